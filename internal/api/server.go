package api

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskstream/internal/config"
	"github.com/JakeFAU/taskstream/internal/dispatcher"
	"github.com/JakeFAU/taskstream/internal/metrics"
	"github.com/JakeFAU/taskstream/internal/policy/ratelimit"
	"github.com/JakeFAU/taskstream/internal/policy/simple"
	"github.com/JakeFAU/taskstream/internal/session"
	"github.com/JakeFAU/taskstream/internal/task"
)

const defaultEnqueueTimeout = 5 * time.Second

//go:embed static/index.html
var indexHTML []byte

// Admission decides whether a client may start another task.
type Admission interface {
	Allow(key string) bool
}

// pinger is implemented by stores that can probe their backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher, state store and sessions.
type Server struct {
	router     chi.Router
	store      task.StateStore
	dispatcher *dispatcher.Dispatcher
	idGen      task.IDGenerator
	clock      task.Clock
	sessions   *session.Manager
	admission  Admission
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store task.StateStore,
	dispatcher *dispatcher.Dispatcher,
	idGen task.IDGenerator,
	clock task.Clock,
	sessions *session.Manager,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		sessions:   sessions,
		cfg:        cfg,
		logger:     logger,
	}
	if cfg.RateLimit.Enabled {
		s.admission = ratelimit.New(ratelimit.Config{
			RPS:     cfg.RateLimit.RPS,
			Burst:   cfg.RateLimit.Burst,
			IdleTTL: cfg.RateLimit.IdleTTL,
		})
		logger.Info("accept rate limit enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	} else {
		s.admission = simple.New()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/", s.index)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Websocket routes hijack the connection and must not run under
	// http.TimeoutHandler.
	r.Get("/ws/task/{task_id}", s.watchTask)
	r.With(timeoutMiddleware(cfg.Server.RequestTimeout), s.admissionMiddleware).
		Post("/start-task", s.startTask)

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Get("/{task_id}/ws", s.watchTask)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
			r.With(s.admissionMiddleware).Post("/", s.startTask)
			r.Get("/{task_id}", s.getTask)
			r.Get("/{task_id}/watchers", s.getWatchers)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(indexHTML); err != nil {
		s.logger.Debug("index write failed", zap.Error(err))
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness probe failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "state store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.acceptTask(r.Context())
	if err != nil {
		s.logger.Error("accept task failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	metrics.ObserveAccepted()
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// acceptTask records the PENDING state and hands the task to a worker. The
// record is written before the handoff so a worker never advances a task
// the store does not know about.
func (s *Server) acceptTask(ctx context.Context) (string, error) {
	taskID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	now := s.clock.Now()
	rec := task.Record{
		TaskID:    taskID,
		Status:    task.StatusPending,
		Progress:  0,
		Timestamp: now,
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("record pending task: %w", err)
	}
	timeout := s.cfg.Queue.EnqueueTimeout
	if timeout <= 0 {
		timeout = defaultEnqueueTimeout
	}
	queueCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	item := task.QueueItem{
		TaskID:    taskID,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	s.logger.Debug("task accepted", zap.String("task_id", taskID))
	return taskID, nil
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := task.ValidateID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := s.store.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task.MessageFromRecord(rec))
}

func (s *Server) getWatchers(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	if err := task.ValidateID(taskID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  taskID,
		"watchers": s.sessions.Registry().Count(taskID),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTaskID):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrUnavailable),
		errors.Is(err, task.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) admissionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admission.Allow(ratelimit.ClientKey(r)) {
			metrics.ObserveRateLimited()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
