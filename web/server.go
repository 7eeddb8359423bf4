// Package web provides an optional HTTP server for observing a wrapped
// session: current state as JSON and a websocket stream of the same events
// the socket clients receive. Peers are trusted; there is no auth.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"codex-loop/log"
)

// StateSource is the view of the wrapper the monitor reads from.
type StateSource interface {
	StateName() string
	IsAlive() bool
	LineCount() int
}

// Server serves the monitoring endpoints.
type Server struct {
	addr string
	src  StateSource
	srv  *http.Server

	mu      sync.Mutex
	subs    map[chan []byte]struct{}
	stopped bool
}

// NewServer creates a monitor listening on addr.
func NewServer(addr string, src StateSource) *Server {
	s := &Server{
		addr: addr,
		src:  src,
		subs: make(map[chan []byte]struct{}),
	}

	router := chi.NewRouter()
	// Skip the chi logger: console output would land in the middle of the
	// wrapped terminal. File logging only.
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.StripSlashes)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	router.Get("/state", s.handleState)
	router.Get("/ws", s.handleWebSocket)

	s.srv = &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.FileOnlyInfoLog.Printf("web monitor listening at %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.FileOnlyErrorLog.Printf("web monitor error: %v", err)
		}
	}()
}

// Stop shuts the server down and closes all websocket streams.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan []byte]struct{})
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":      s.src.StateName(),
		"is_alive":   s.src.IsAlive(),
		"line_count": s.src.LineCount(),
	})
}

// Broadcast implements the wrapper's event sink: every event goes to every
// websocket subscriber, dropping for subscribers that can't keep up.
func (s *Server) Broadcast(v any) {
	line, err := json.Marshal(v)
	if err != nil {
		log.FileOnlyErrorLog.Printf("error marshaling web broadcast: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- line:
		default:
			// Subscriber is behind; skip this update for it.
		}
	}
}

func (s *Server) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		close(ch)
		return ch
	}
	s.subs[ch] = struct{}{}
	return ch
}

func (s *Server) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}
