package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metocean/bob-the-builder/internal/events"
)

const (
	keepaliveInterval = 15 * time.Second
	pingTimeout       = 3 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Pinger reports whether the task store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes worker health, prometheus metrics and the build event
// stream. All routes share one optional bearer token.
type Server struct {
	pinger Pinger
	addr   string
	token  string
	events *events.Broker
	logger *slog.Logger
}

func NewServer(pinger Pinger, addr, token string, broker *events.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		pinger: pinger,
		addr:   addr,
		token:  token,
		events: broker,
		logger: logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.guard(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", s.guard(promhttp.Handler()))
	mux.Handle("GET /events", s.guard(http.HandlerFunc(s.handleEvents)))
	return mux
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", "error", err)
		}
	})
	defer stop()

	s.logger.Info("Serving health, metrics and events", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorize(w, r) {
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("Health check failed", "error", err)
			http.Error(w, "task store unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "events not configured", http.StatusNotFound)
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if r.Method == http.MethodHead {
		return
	}

	live, unsubscribe, backlog := s.events.Subscribe()
	defer unsubscribe()

	send := func(event events.Event) bool {
		if !filter.Matches(event) {
			return true
		}
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Warn("Encode event failed", "type", event.Type, "error", err)
			return true
		}
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
		return err == nil
	}

	for _, event := range backlog {
		if !send(event) {
			return
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-live:
			if !send(event) {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if token := bearerToken(r); token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1 {
		return true
	}
	s.logger.Warn("Unauthorized request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
