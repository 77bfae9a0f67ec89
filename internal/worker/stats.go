package worker

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"shoresquad/internal/logger"
)

// statsCollector tracks served response sizes and cache hit ratio for the
// periodic stats log line.
type statsCollector struct {
	served   atomic.Uint64
	hits     atomic.Uint64
	offline  atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(outcome string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.served.Add(1)
	s.bytes.Add(n)
	switch outcome {
	case OutcomeHit, OutcomeFallback, OutcomeStaleStatus:
		s.hits.Add(1)
	case OutcomeOffline:
		s.offline.Add(1)
	}

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Served   uint64
	Hits     uint64
	Offline  uint64
	MinBytes uint64
	MaxBytes uint64
	AvgBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.served.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Served:   count,
		Hits:     s.hits.Load(),
		Offline:  s.offline.Load(),
		MinBytes: minv,
		MaxBytes: s.maxBytes.Load(),
		AvgBytes: s.bytes.Load() / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()

	gens, err := s.caches.Keys()
	if err != nil {
		logger.Warn("stats: list generations", "error", err)
	}
	s.metrics.SetGenerations(len(gens))

	pending, err := s.queue.Len(context.Background())
	if err != nil {
		logger.Warn("stats: queue length", "error", err)
	}
	s.metrics.SetQueueDepth(pending)

	logger.Info("worker stats",
		"state", s.State().String(),
		"generations", len(gens),
		"pending", pending,
		"served", ss.Served,
		"cache_hits", ss.Hits,
		"offline", ss.Offline,
		"resp_min", formatBytes(ss.MinBytes),
		"resp_avg", formatBytes(ss.AvgBytes),
		"resp_max", formatBytes(ss.MaxBytes),
	)
}
