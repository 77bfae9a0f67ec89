package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"shoresquad/internal/logger"
	"shoresquad/internal/queue"
)

var ErrDeliveryFailed = errors.New("delivery failed")

// SyncReport describes one sync run.
type SyncReport struct {
	Tag       string `json:"tag"`
	Pending   int    `json:"pending"`
	Delivered int    `json:"delivered"`
	Skipped   bool   `json:"skipped,omitempty"`
}

func (s *Service) handleSync(ctx context.Context, ev Event) (any, error) {
	if ev.Tag != s.cfg.Sync.Tag {
		logger.Debug("sync tag ignored", "tag", ev.Tag)
		return SyncReport{Tag: ev.Tag, Skipped: true}, nil
	}
	rep, err := s.SyncPending(ctx)
	rep.Tag = ev.Tag
	return rep, err
}

// SyncPending delivers every queued submission in submission order, one at
// a time. The first failure stops the run and leaves the queue as it was, so
// submissions already delivered in this run are delivered again next time.
// When every delivery succeeds the delivered submissions are removed in one
// operation; anything appended meanwhile stays queued.
func (s *Service) SyncPending(ctx context.Context) (rep SyncReport, err error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	defer func() { s.metrics.ObserveSync(rep.Delivered, err) }()

	subs, err := s.queue.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pending: %w", err)
	}
	rep.Pending = len(subs)
	if len(subs) == 0 {
		return rep, nil
	}

	ids := make([]string, 0, len(subs))
	for i, sub := range subs {
		if err := s.deliver(ctx, sub); err != nil {
			logger.Warn("sync aborted", "index", i, "id", sub.ID, "delivered", rep.Delivered, "error", err)
			return rep, fmt.Errorf("%w: submission %d (%s): %w", ErrDeliveryFailed, i, sub.ID, err)
		}
		rep.Delivered++
		ids = append(ids, sub.ID)
	}

	if err := s.queue.Remove(ctx, ids...); err != nil {
		return rep, fmt.Errorf("remove delivered: %w", err)
	}
	if n, err := s.queue.Len(ctx); err == nil {
		s.metrics.SetQueueDepth(n)
	}
	logger.Info("pending cleanups synced", "delivered", rep.Delivered)
	return rep, nil
}

func (s *Service) deliver(ctx context.Context, sub queue.Submission) error {
	record, err := sub.Record()
	if err != nil {
		return err
	}
	target, err := s.resolve(s.cfg.Sync.Endpoint)
	if err != nil {
		return err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	ent, err := s.fetchEntry(ctx, http.MethodPost, target.String(), h, bytes.NewReader(record))
	if err != nil {
		return err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return fmt.Errorf("status %d", ent.Status)
	}
	return nil
}

// watchConnectivity stands in for the platform's reconnect signal. It probes
// the origin and raises a sync event when connectivity comes back, and keeps
// raising it on every tick while a previous run failed.
func (s *Service) watchConnectivity(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	online := false
	failed := false
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		up := s.probe(ctx)
		if up != online {
			if up {
				logger.Info("connectivity restored")
			} else {
				logger.Warn("connectivity lost")
			}
		}
		wasOffline := !online
		online = up

		if up && (wasOffline || failed) {
			failed = s.syncOnReconnect(ctx)
		}
		cancel()
	}
}

// syncOnReconnect raises a sync event when anything is queued and reports
// whether the run failed.
func (s *Service) syncOnReconnect(ctx context.Context) bool {
	n, err := s.queue.Len(ctx)
	if err != nil {
		logger.Warn("queue length", "error", err)
		return true
	}
	if n == 0 {
		return false
	}
	_, err = s.Dispatch(ctx, Event{Kind: EventSync, Tag: s.cfg.Sync.Tag})
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return false
		}
		logger.Warn("background sync failed, will retry", "pending", n, "error", err)
		return true
	}
	return false
}

// probe reports whether the origin answers at all.
func (s *Service) probe(ctx context.Context) bool {
	target, err := s.resolve(s.cfg.Sync.ProbePath)
	if err != nil {
		return false
	}
	_, err = s.fetchEntry(ctx, http.MethodGet, target.String(), nil, nil)
	return err == nil
}
