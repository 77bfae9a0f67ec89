package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/singleflight"

	"shoresquad/internal/cache"
	"shoresquad/internal/logger"
	"shoresquad/internal/notify"
	"shoresquad/internal/queue"
)

var (
	ErrClosed       = errors.New("worker is shutting down")
	ErrUnknownEvent = errors.New("no handler for event")
)

// EventKind names a platform event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventSync              EventKind = "sync"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
)

// Event is one platform event. Only the fields of its kind are set.
type Event struct {
	Kind EventKind

	// fetch
	Request *http.Request
	Writer  http.ResponseWriter

	// sync
	Tag string

	// push
	Data []byte

	// notificationclick
	NotificationID string
	Action         string
}

// Handler handles one event kind. The returned value is reported back to
// whoever raised the event.
type Handler func(ctx context.Context, ev Event) (any, error)

// State is the worker lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Doer performs network requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Caches   *cache.Storage
	Queue    queue.Store
	Network  Doer
	Clients  *notify.Registry
	Registry *prometheus.Registry
}

type Service struct {
	cfg    Config
	origin *url.URL

	network Doer
	caches  *cache.Storage
	queue   queue.Store

	center   *notify.Center
	clients  *notify.Registry
	notifier *notify.Dispatcher

	registry *prometheus.Registry
	metrics  *Metrics
	stats    *statsCollector

	offlineLog *rateLimitedLogger
	flight     singleflight.Group

	handlers map[EventKind]Handler

	mu      sync.RWMutex
	state   State
	waiting *cache.Generation // installed, not yet activated
	active  *cache.Generation // serves intercepted requests
	closing bool

	// lifecycleMu serializes Install and Activate.
	lifecycleMu sync.Mutex
	syncMu      sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService opens the cache and queue named in cfg.
func NewService(cfg Config) (*Service, error) {
	caches, err := cache.Open(cfg.Cache.Path, cfg.Cache.FrontEntries)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	q, err := openQueue(cfg)
	if err != nil {
		_ = caches.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newService(cfg, Deps{
		Caches:   caches,
		Queue:    q,
		Network:  &http.Client{},
		Clients:  notify.NewRegistry(),
		Registry: registry,
	}), nil
}

func openQueue(cfg Config) (queue.Store, error) {
	switch cfg.Queue.Backend {
	case "redis":
		r := cfg.Queue.Redis
		return queue.NewRedis(r.Addr, r.Password, r.DB, r.Prefix)
	default:
		return queue.OpenLevelDB(cfg.Queue.Path)
	}
}

func newService(cfg Config, deps Deps) *Service {
	origin, _ := url.Parse(cfg.Server.Origin)
	if deps.Clients == nil {
		deps.Clients = notify.NewRegistry()
	}

	s := &Service{
		cfg:        cfg,
		origin:     origin,
		network:    deps.Network,
		caches:     deps.Caches,
		queue:      deps.Queue,
		center:     notify.NewCenter(),
		clients:    deps.Clients,
		registry:   deps.Registry,
		stats:      newStatsCollector(),
		offlineLog: newRateLimitedLogger(time.Minute),
		stopCh:     make(chan struct{}),
	}
	if cfg.MetricsEnabled() && deps.Registry != nil {
		s.metrics = NewMetrics(deps.Registry)
	}
	s.notifier = notify.NewDispatcher(notify.Options{
		Root:  cfg.Notifications.Root,
		Icon:  cfg.Notifications.Icon,
		Badge: cfg.Notifications.Badge,
	}, s.center, s.clients)

	s.handlers = map[EventKind]Handler{
		EventInstall:           s.handleInstall,
		EventActivate:          s.handleActivate,
		EventFetch:             s.handleFetch,
		EventSync:              s.handleSync,
		EventPush:              s.handlePush,
		EventNotificationClick: s.handleNotificationClick,
	}
	return s
}

// Start resumes the generation a previous run activated, installs the
// current version and starts the background loops. An install failure is
// returned, but the loops still run. Requests are then served from the
// resumed generation, or pass through uncontrolled when there is none.
func (s *Service) Start(ctx context.Context) error {
	s.restore()
	_, err := s.Dispatch(ctx, Event{Kind: EventInstall})

	if every := s.cfg.Sync.probeEvery; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watchConnectivity(every)
		}()
	}
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return err
}

// Dispatch runs the handler registered for ev.Kind. The service stays open
// until every dispatched handler has returned.
func (s *Service) Dispatch(ctx context.Context, ev Event) (any, error) {
	h, ok := s.handlers[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}

	s.mu.RLock()
	if s.closing {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	return h(ctx, ev)
}

// Close stops the background loops, waits for in-flight events and releases
// the cache and queue.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if err := s.caches.Close(); err != nil {
		logger.Warn("close cache", "error", err)
	}
	if err := s.queue.Close(); err != nil {
		logger.Warn("close queue", "error", err)
	}
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		logger.Debug("worker state", "from", prev.String(), "to", st.String())
	}
}

// activeGeneration returns the generation requests are served from, or nil
// while no version controls the pages.
func (s *Service) activeGeneration() *cache.Generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Enqueue stores a submission the host page could not deliver.
func (s *Service) Enqueue(ctx context.Context, sub queue.Submission) (queue.Submission, error) {
	sub, err := s.queue.Append(ctx, sub)
	if err != nil {
		return queue.Submission{}, err
	}
	if n, err := s.queue.Len(ctx); err == nil {
		s.metrics.SetQueueDepth(n)
	}
	logger.Debug("submission queued", "id", sub.ID)
	return sub, nil
}

func (s *Service) handlePush(ctx context.Context, ev Event) (any, error) {
	n, err := s.notifier.Push(ctx, ev.Data)
	if err != nil {
		return nil, err
	}
	s.metrics.ObservePush()
	return n, nil
}

func (s *Service) handleNotificationClick(ctx context.Context, ev Event) (any, error) {
	return s.notifier.Click(ctx, ev.NotificationID, ev.Action)
}
