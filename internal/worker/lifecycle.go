package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"shoresquad/internal/cache"
	"shoresquad/internal/logger"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNotInstalled  = errors.New("no installed version to activate")
)

// manifestFetchLimit bounds concurrent shell fetches during install.
const manifestFetchLimit = 4

func (s *Service) handleInstall(ctx context.Context, _ Event) (any, error) {
	if err := s.Install(ctx); err != nil {
		return s.State().String(), err
	}
	if s.cfg.SkipWaiting() {
		if err := s.Activate(ctx); err != nil {
			return s.State().String(), err
		}
	}
	return s.State().String(), nil
}

func (s *Service) handleActivate(ctx context.Context, _ Event) (any, error) {
	err := s.Activate(ctx)
	return s.State().String(), err
}

// Install opens the generation for the configured version and fills it with
// the application shell. Any unreachable shell resource fails the install
// and leaves no partial generation behind; there is no automatic retry. A
// version already serving keeps serving when a reinstall fails.
func (s *Service) Install(ctx context.Context) (err error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	version := s.cfg.Cache.Version
	logger.Info("worker installing", "version", version)
	s.setState(StateInstalling)

	defer func() {
		s.metrics.ObserveLifecycle("install", err)
		if err != nil {
			if s.activeGeneration() != nil {
				s.setState(StateActivated)
			} else {
				s.setState(StateRedundant)
			}
			logger.Error("cache installation failed", "version", version, "error", err)
		}
	}()

	existed := s.caches.Has(version)
	gen, err := s.caches.Open(version)
	if err != nil {
		return fmt.Errorf("%w: open generation %s: %w", ErrInstallFailed, version, err)
	}

	ents, err := s.fetchManifest(ctx)
	if err == nil {
		err = gen.PutAll(ents)
	}
	if err != nil {
		if !existed && !s.inUse(version) {
			if _, derr := s.caches.Delete(version); derr != nil {
				logger.Warn("discard partial generation", "version", version, "error", derr)
			}
		}
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	s.mu.Lock()
	s.waiting = gen
	s.mu.Unlock()
	s.setState(StateInstalled)
	logger.Info("caching essential assets done", "version", version, "assets", len(ents))
	return nil
}

// fetchManifest fetches every shell path from the origin. The first failure
// cancels the rest.
func (s *Service) fetchManifest(ctx context.Context) (map[cache.Identity]cache.Entry, error) {
	paths := s.cfg.Cache.Manifest
	results := make([]cache.Entry, len(paths))
	ids := make([]cache.Identity, len(paths))

	for i, p := range paths {
		target, err := s.resolve(p)
		if err != nil {
			return nil, fmt.Errorf("manifest path %q: %w", p, err)
		}
		ids[i] = cache.Identity{Method: http.MethodGet, URL: target.String()}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manifestFetchLimit)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			ent, err := s.fetchEntry(gctx, http.MethodGet, ids[i].URL, nil, nil)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			if ent.Status != http.StatusOK {
				return fmt.Errorf("fetch %s: status %d", p, ent.Status)
			}
			results[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[cache.Identity]cache.Entry, len(paths))
	for i := range paths {
		out[ids[i]] = results[i]
	}
	return out, nil
}

// Activate deletes every generation other than the current version and
// takes control of all registered pages. The activated generation is
// recorded in the cache so a restart serves it before any reinstall.
func (s *Service) Activate(ctx context.Context) (err error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	defer func() { s.metrics.ObserveLifecycle("activate", err) }()

	s.mu.RLock()
	target := s.waiting
	if target == nil {
		target = s.active
	}
	prev := s.state
	s.mu.RUnlock()
	if target == nil {
		return fmt.Errorf("%w (state %s)", ErrNotInstalled, prev)
	}

	version := target.Name()
	logger.Info("worker activating", "version", version)
	s.setState(StateActivating)
	defer func() {
		if err != nil {
			s.setState(prev)
		}
	}()

	names, err := s.caches.Keys()
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	kept := 0
	for _, name := range names {
		if name == version {
			kept++
			continue
		}
		logger.Info("deleting old cache", "generation", name)
		if _, err := s.caches.Delete(name); err != nil {
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
	}
	s.metrics.SetGenerations(kept)

	if err := s.caches.MarkActive(version); err != nil {
		return fmt.Errorf("record active generation %s: %w", version, err)
	}

	n, err := s.clients.Claim(ctx, version)
	if err != nil {
		return fmt.Errorf("claim clients: %w", err)
	}

	s.mu.Lock()
	s.active = target
	s.waiting = nil
	s.mu.Unlock()
	s.setState(StateActivated)
	logger.Info("worker activated", "version", version, "clients", n)
	return nil
}

// restore adopts the generation a previous process activated, so stored
// shell assets are served even when the reinstall that follows fails.
func (s *Service) restore() {
	gen, err := s.caches.Active()
	if err != nil {
		logger.Warn("look up stored active generation", "error", err)
		return
	}
	if gen == nil {
		return
	}
	s.mu.Lock()
	s.active = gen
	s.mu.Unlock()
	s.setState(StateActivated)
	logger.Info("serving stored generation", "version", gen.Name())
}

// inUse reports whether name is the waiting or the active generation.
func (s *Service) inUse(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (s.waiting != nil && s.waiting.Name() == name) ||
		(s.active != nil && s.active.Name() == name)
}
