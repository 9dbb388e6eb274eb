package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/roach88/carrier/internal/model"
	"github.com/roach88/carrier/internal/remote"
)

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	// AllowedOrigins lists browser origins accepted for CORS and WebSocket
	// upgrades. "*" allows any. Requests without an Origin header are
	// always accepted.
	AllowedOrigins []string

	// InsertRate is the sustained inserts per second allowed per owner.
	// Zero disables limiting.
	InsertRate float64

	// InsertBurst is the bucket size for InsertRate.
	InsertBurst int

	Logger *slog.Logger
}

// Server is the authoritative relay: it accepts drafts, assigns server
// identities, serves history and pushes new records to subscribers.
type Server struct {
	store    *Store
	hub      *hub
	limiter  *limiterPool
	metrics  *metrics
	upgrader websocket.Upgrader
	origins  map[string]bool
	anyOrig  bool
	logger   *slog.Logger
	handler  http.Handler
}

// New creates a Server over an opened Store.
func New(st *Store, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	m := newMetrics()
	s := &Server{
		store:   st,
		hub:     newHub(logger, m),
		limiter: newLimiterPool(opts.InsertRate, opts.InsertBurst),
		metrics: m,
		origins: make(map[string]bool),
		logger:  logger,
	}
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			s.anyOrig = true
		}
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	})
	s.handler = c.Handler(s.routes())
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.handler())
	r.Methods(http.MethodPost).Path("/v1/messages").HandlerFunc(s.handleInsert)
	r.Methods(http.MethodGet).Path("/v1/owners/{owner}/messages").HandlerFunc(s.handleList)
	r.Methods(http.MethodGet).Path("/v1/owners/{owner}/inserts").HandlerFunc(s.handleSubscribe)
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"duration", m.Duration,
			"bytes", m.Written,
		)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.anyOrig {
		return true
	}
	return s.origins[origin]
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("relay stopping")
	s.hub.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxBodyBytes {
		s.metrics.inserts.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var rec remote.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		s.metrics.inserts.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	draft, err := rec.Draft()
	if err != nil {
		s.metrics.inserts.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.limiter.Allow(draft.OwnerID) {
		s.metrics.inserts.WithLabelValues(resultLimited).Inc()
		writeError(w, http.StatusTooManyRequests, "insert rate exceeded")
		return
	}

	stored, created, err := s.store.Insert(r.Context(), draft)
	switch {
	case errors.Is(err, ErrKeyConflict):
		s.metrics.inserts.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("insert failed", "correlation_key", draft.CorrelationKey, "error", err)
		writeError(w, http.StatusInternalServerError, "insert failed")
		return
	}

	if !created {
		s.metrics.inserts.WithLabelValues(resultExisting).Inc()
		writeJSON(w, http.StatusOK, remote.ConfirmedRecord(stored))
		return
	}

	s.metrics.inserts.WithLabelValues(resultCreated).Inc()
	s.logger.Info("message accepted",
		"correlation_key", stored.CorrelationKey,
		"identity", stored.ID.String(),
		"owner_id", stored.OwnerID,
	)
	writeJSON(w, http.StatusCreated, remote.ConfirmedRecord(stored))
	s.hub.broadcast(stored)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	if owner == "" {
		writeError(w, http.StatusBadRequest, model.ErrMissingOwner.Error())
		return
	}

	msgs, err := s.store.ListByOwner(r.Context(), owner)
	if err != nil {
		s.logger.Error("list failed", "owner_id", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	list := remote.RecordList{Messages: make([]remote.Record, 0, len(msgs))}
	for _, m := range msgs {
		list.Messages = append(list.Messages, remote.ConfirmedRecord(m))
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "owner_id", owner, "error", err)
		return
	}

	sub := s.hub.add(owner, conn)
	defer s.hub.remove(sub)

	// Clients never send data; reading surfaces disconnects and control frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
