package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shoresquad/internal/logger"
	"shoresquad/internal/notify"
	"shoresquad/internal/queue"
)

// ControlPrefix is where the platform side of the worker is mounted.
const ControlPrefix = "/__worker"

// maxControlBody bounds request bodies on the control API.
const maxControlBody = 1 << 20

// Handler returns the root handler: the control API under ControlPrefix and
// the fetch path for everything else.
//
// Control routes:
//   - GET  /health
//   - POST /install, /activate
//   - POST /sync {"tag"}
//   - POST /push (raw payload)
//   - GET  /notifications, POST /notifications/{id}/click {"action"}
//   - GET  /queue, POST /queue (a pending submission)
//   - GET  /clients, POST /clients {"url"}
//   - GET  /generations
//   - GET  /metrics
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(requestLogger)
		r.Use(middleware.Recoverer)

		r.Get("/health", s.controlHealth)
		r.Post("/install", s.controlLifecycle(EventInstall))
		r.Post("/activate", s.controlLifecycle(EventActivate))
		r.Post("/sync", s.controlSync)
		r.Post("/push", s.controlPush)
		r.Get("/notifications", s.controlNotifications)
		r.Post("/notifications/{id}/click", s.controlClick)
		r.Get("/queue", s.controlQueueList)
		r.Post("/queue", s.controlQueueAppend)
		r.Get("/clients", s.controlClientsList)
		r.Post("/clients", s.controlClientsRegister)
		r.Get("/generations", s.controlGenerations)
		if s.registry != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		}
	})

	r.Handle("/*", s)
	return r
}

type healthResponse struct {
	Status  string    `json:"status"`
	State   string    `json:"state"`
	Version string    `json:"version"`
	Time    time.Time `json:"timestamp"`
}

func (s *Service) controlHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		State:   s.State().String(),
		Version: s.cfg.Cache.Version,
		Time:    time.Now().UTC(),
	})
}

func (s *Service) controlLifecycle(kind EventKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := s.Dispatch(r.Context(), Event{Kind: kind})
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state})
	}
}

func (s *Service) controlSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if !readJSON(w, r, &req, true) {
		return
	}
	if req.Tag == "" {
		req.Tag = s.cfg.Sync.Tag
	}
	rep, err := s.Dispatch(r.Context(), Event{Kind: EventSync, Tag: req.Tag})
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"report": rep, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) controlPush(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.Dispatch(r.Context(), Event{Kind: EventPush, Data: data})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Service) controlNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.center.List())
}

func (s *Service) controlClick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if !readJSON(w, r, &req, true) {
		return
	}
	res, err := s.Dispatch(r.Context(), Event{
		Kind:           EventNotificationClick,
		NotificationID: chi.URLParam(r, "id"),
		Action:         req.Action,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) controlQueueList(w http.ResponseWriter, r *http.Request) {
	subs, err := s.queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []queue.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// controlQueueAppend takes the cleanup record a page could not deliver. A
// string or numeric "id" field in the record becomes the submission key.
func (s *Service) controlQueueAppend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := s.Enqueue(r.Context(), queue.Submission{Payload: body})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Service) controlClientsList(w http.ResponseWriter, r *http.Request) {
	cs, err := s.clients.MatchAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Service) controlClientsRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if !readJSON(w, r, &req, false) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	writeJSON(w, http.StatusCreated, s.clients.Register(req.URL))
}

type generationInfo struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Entries int    `json:"entries"`
}

func (s *Service) controlGenerations(w http.ResponseWriter, r *http.Request) {
	names, err := s.caches.Keys()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	current := ""
	if gen := s.activeGeneration(); gen != nil {
		current = gen.Name()
	}

	out := make([]generationInfo, 0, len(names))
	for _, name := range names {
		n, err := s.caches.Count(name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, generationInfo{Name: name, Current: name == current, Entries: n})
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps worker errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, notify.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotInstalled):
		return http.StatusConflict
	case errors.Is(err, ErrInstallFailed), errors.Is(err, ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body into v. An empty body is accepted when
// optional is set.
func readJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, err)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// requestLogger logs each control request through the worker logger.
// Health probes log at debug.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		args := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == ControlPrefix+"/health" {
			logger.Debug("control request", args...)
			return
		}
		logger.Info("control request", args...)
	})
}
