package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nsready/internal/config"
	"nsready/internal/metrics"
	"nsready/internal/rejects"
)

const healthTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type DepthReporter interface {
	QueueDepth(ctx context.Context) int64
}

type Server struct {
	ingest  http.Handler
	db      Pinger
	queue   DepthReporter
	metrics *metrics.Metrics
	rejects *rejects.Log
	logger  *slog.Logger
}

type healthResponse struct {
	Service    string `json:"service"`
	QueueDepth int64  `json:"queue_depth"`
	DB         string `json:"db"`
}

func NewServer(ingest http.Handler, db Pinger, queue DepthReporter, m *metrics.Metrics, rej *rejects.Log, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ingest: ingest, db: db, queue: queue, metrics: m, rejects: rej, logger: logger}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/ingest", s.ingest)
		r.Get("/health", s.handleHealth)
		r.Get("/rejections", s.handleRejections)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Listener is a running API server.
type Listener struct {
	*http.Server
	done chan struct{}
}

// Done is closed once a context-triggered Shutdown has returned, that is
// after in-flight requests finished or the shutdown timeout expired.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Start serves the API on cfg.Addr until ctx is done. The listener is bound
// before Start returns so a busy port is reported to the caller.
func Start(ctx context.Context, cfg config.HTTPConfig, handler http.Handler, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	httpServer := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	l := &Listener{Server: httpServer, done: make(chan struct{})}
	logger.Info("api listening", "addr", httpServer.Addr)
	go func() {
		defer close(l.done)
		<-ctx.Done()
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(ctxShutdown); err != nil {
			logger.Warn("api shutdown incomplete", "err", err)
		}
	}()
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "err", err)
		}
	}()
	return l, nil
}

// handleHealth always answers 200; the body says what is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	db := "connected"
	if s.db == nil {
		db = "disconnected"
	} else if err := s.db.Ping(ctx); err != nil {
		s.logger.Error("database healthcheck failed", "err", err)
		db = "disconnected"
	}

	var depth int64
	if s.queue != nil {
		depth = s.queue.QueueDepth(ctx)
	}
	s.metrics.SetQueueDepth(depth)

	writeJSON(w, http.StatusOK, healthResponse{Service: "ok", QueueDepth: depth, DB: db})
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	if s.rejects == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rejections": []rejects.Rejection{}, "count": 0, "total": 0})
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	var list []rejects.Rejection
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "since must be an RFC3339 timestamp"})
			return
		}
		list = s.rejects.Since(ts)
		if limit > 0 && limit < len(list) {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.rejects.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rejections": list,
		"count":      len(list),
		"total":      s.rejects.Total(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
