package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shoresquad/internal/cache"
	"shoresquad/internal/logger"
)

const (
	strategyCacheFirst   = "cache-first"
	strategyNetworkFirst = "network-first"
	strategyPassThrough  = "pass-through"
)

const (
	offlineCacheFirst   = "Offline - content not available"
	offlineNetworkFirst = "Network request failed"
)

const headerWorkerCache = "X-Worker-Cache"

// ServeHTTP raises a fetch event for every request that reaches the worker.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, err := s.Dispatch(r.Context(), Event{Kind: EventFetch, Request: r, Writer: w})
	if errors.Is(err, ErrClosed) {
		writeUnavailable(w, "Worker shutting down")
	}
}

// handleFetch answers one intercepted request. Every path ends in a real
// response or a synthesized 503; errors never reach the page.
func (s *Service) handleFetch(ctx context.Context, ev Event) (outcome any, err error) {
	w, r := ev.Writer, ev.Request
	if w == nil || r == nil {
		return nil, fmt.Errorf("fetch event without request")
	}

	start := time.Now()
	strategy := strategyPassThrough
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("fetch handler panic", "url", r.URL.String(), "panic", rec)
			writeUnavailable(w, offlineCacheFirst)
			outcome, err = OutcomeOffline, nil
		}
		if o, ok := outcome.(string); ok {
			s.metrics.ObserveFetch(strategy, o, time.Since(start))
		}
	}()

	target := s.targetURL(r)
	gen := s.activeGeneration()
	switch {
	case gen == nil:
		return s.passThrough(ctx, w, r, target, OutcomeUncontrolled), nil
	case r.Method != http.MethodGet:
		return s.passThrough(ctx, w, r, target, OutcomeBypass), nil
	}

	strategy = s.classify(target)
	id := cache.Identity{Method: http.MethodGet, URL: target.String()}
	if strategy == strategyNetworkFirst {
		return s.networkFirst(ctx, w, r, gen, id), nil
	}
	return s.cacheFirst(ctx, w, r, gen, id), nil
}

// classify picks the strategy for a GET request: live data and foreign
// hosts go to the network first, everything else is shell and comes from
// the cache.
func (s *Service) classify(target *url.URL) string {
	if strings.Contains(target.Path, s.cfg.Router.APIMarker) {
		return strategyNetworkFirst
	}
	if s.origin != nil && !strings.EqualFold(target.Host, s.origin.Host) {
		return strategyNetworkFirst
	}
	return strategyCacheFirst
}

// targetURL is the absolute URL a request is for. Forward-proxy requests
// carry it; everything else is relative to the origin.
func (s *Service) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	u, err := url.Parse(s.cfg.Server.Origin + r.URL.RequestURI())
	if err != nil {
		u := *s.origin
		u.Path = r.URL.Path
		u.RawQuery = r.URL.RawQuery
		return &u
	}
	return u
}

// resolve maps an origin-relative path to its absolute URL.
func (s *Service) resolve(path string) (*url.URL, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return url.Parse(s.cfg.Server.Origin + path)
}

// fetchEntry performs one network request under the configured timeout and
// returns the fully read response.
func (s *Service) fetchEntry(ctx context.Context, method, target string, header http.Header, body io.Reader) (cache.Entry, error) {
	if d := s.cfg.NetworkTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return cache.Entry{}, err
	}
	copyHeaders(req.Header, header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.network.Do(req)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Snapshot(resp)
}

func (s *Service) passThrough(ctx context.Context, w http.ResponseWriter, r *http.Request, target *url.URL, outcome string) string {
	ent, err := s.fetchEntry(ctx, r.Method, target.String(), r.Header, r.Body)
	if err != nil {
		s.offlineLog.Warn("network request failed", "method", r.Method, "url", target.String(), "error", err)
		writeUnavailable(w, offlineNetworkFirst)
		s.stats.Observe(OutcomeOffline, 0)
		return OutcomeOffline
	}
	s.writeEntryWithStats(w, ent, outcome)
	return outcome
}

// fetched is what one collapsed network fetch hands to every waiter.
type fetched struct {
	ent    cache.Entry
	stored bool
}

func (s *Service) cacheFirst(ctx context.Context, w http.ResponseWriter, r *http.Request, gen *cache.Generation, id cache.Identity) string {
	if ent, ok := gen.Match(id); ok {
		s.writeEntryWithStats(w, ent, OutcomeHit)
		return OutcomeHit
	}

	// Concurrent misses for one identity share a single fetch. The fetch
	// outlives any one waiter's cancellation; the timeout still bounds it.
	v, err, _ := s.flight.Do(id.String(), func() (any, error) {
		ent, err := s.fetchEntry(context.WithoutCancel(ctx), http.MethodGet, id.URL, r.Header, nil)
		if err != nil {
			return nil, err
		}
		return fetched{ent: ent, stored: s.store(gen, id, ent)}, nil
	})
	if err == nil {
		f := v.(fetched)
		outcome := OutcomeNetwork
		if f.stored {
			outcome = OutcomeMiss
		}
		s.writeEntryWithStats(w, f.ent.Clone(), outcome)
		return outcome
	}

	s.offlineLog.Warn("network unavailable", "url", id.URL, "error", err)
	if ent, from, ok := s.caches.Match(id, gen.Name()); ok {
		logger.Debug("served from cache after network failure", "url", id.URL, "generation", from)
		s.writeEntryWithStats(w, ent, OutcomeFallback)
		return OutcomeFallback
	}
	writeUnavailable(w, offlineCacheFirst)
	s.stats.Observe(OutcomeOffline, 0)
	return OutcomeOffline
}

func (s *Service) networkFirst(ctx context.Context, w http.ResponseWriter, r *http.Request, gen *cache.Generation, id cache.Identity) string {
	ent, err := s.fetchEntry(ctx, http.MethodGet, id.URL, r.Header, nil)
	if err == nil && ent.Status == http.StatusOK {
		s.store(gen, id, ent)
		s.writeEntryWithStats(w, ent, OutcomeNetwork)
		return OutcomeNetwork
	}
	if err != nil {
		s.offlineLog.Warn("network unavailable", "url", id.URL, "error", err)
	}

	if cached, _, ok := s.caches.Match(id, gen.Name()); ok {
		outcome := OutcomeFallback
		if err == nil {
			outcome = OutcomeStaleStatus
		}
		s.writeEntryWithStats(w, cached, outcome)
		return outcome
	}
	if err == nil {
		// Live non-200 answer and nothing better in the cache.
		s.writeEntryWithStats(w, ent, OutcomeNetwork)
		return OutcomeNetwork
	}
	writeUnavailable(w, offlineNetworkFirst)
	s.stats.Observe(OutcomeOffline, 0)
	return OutcomeOffline
}

// store puts a copy of ent into gen when it is cacheable and reports whether
// it did. Only 200 responses within the body limit are kept.
func (s *Service) store(gen *cache.Generation, id cache.Identity, ent cache.Entry) bool {
	if ent.Status != http.StatusOK {
		return false
	}
	if limit := int64(s.cfg.Cache.MaxBodySize); limit > 0 && int64(len(ent.Body)) > limit {
		logger.Debug("response too large to cache", "url", id.URL, "size", formatBytes(uint64(len(ent.Body))))
		return false
	}
	if err := gen.Put(id, ent.Clone()); err != nil {
		if errors.Is(err, cache.ErrGenerationGone) {
			logger.Debug("generation replaced before store", "url", id.URL, "generation", gen.Name())
		} else {
			logger.Warn("cache put failed", "url", id.URL, "error", err)
		}
		return false
	}
	return true
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent cache.Entry, outcome string) {
	writeEntry(w, ent, outcome)
	s.stats.Observe(outcome, len(ent.Body))
}

func writeEntry(w http.ResponseWriter, ent cache.Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerWorkerCache) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

// writeUnavailable synthesizes the offline answer.
func writeUnavailable(w http.ResponseWriter, msg string) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	setCacheHeaders(h, OutcomeOffline)
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, msg)
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(headerWorkerCache, outcome)
	}
	// Custom headers are unreadable from page scripts in a CORS context
	// unless exposed.
	ensureExposedHeader(h, headerWorkerCache)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
