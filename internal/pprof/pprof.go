// Package pprof serves the runtime profiling endpoints on a separate debug
// listener, away from the public WebSocket port.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"runtime"
	"sync"

	"github.com/codefionn/prysmo/internal/consts"
	"github.com/codefionn/prysmo/internal/logger"
	"github.com/julienschmidt/httprouter"
)

// Config holds the pprof configuration
type Config struct {
	// HTTPAddr is the debug listen address (e.g. "localhost:6060").
	HTTPAddr string

	// Block and mutex profiling rates; zero leaves them off.
	BlockProfileRate     int
	MutexProfileFraction int
}

// Server is a running profiling listener.
type Server struct {
	config   Config
	server   *http.Server
	listener net.Listener
	log      *logger.Logger

	mu      sync.Mutex
	stopped bool
}

var profiles = []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"}

// Start binds cfg.HTTPAddr and serves /debug/pprof/ on it.
func Start(cfg Config, log *logger.Logger) (*Server, error) {
	if cfg.HTTPAddr == "" {
		return nil, errors.New("pprof: empty listen address")
	}
	if log == nil {
		log = logger.Global().WithPrefix("pprof")
	}

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind pprof HTTP server: %w", err)
	}

	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}

	s := &Server{
		config:   cfg,
		listener: ln,
		log:      log,
		server: &http.Server{
			Handler:           Router(),
			ReadHeaderTimeout: consts.ReadHeaderTimeout,
		},
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("pprof server error: %v", err)
		}
	}()
	log.Info("Profiling available at http://%s/debug/pprof/", ln.Addr())
	return s, nil
}

// Router maps the net/http/pprof handlers.
func Router() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodPost, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range profiles {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return router
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Stop shuts the listener down and resets the sampling rates it raised.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true

	if s.config.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(0)
	}
	if s.config.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown pprof server: %w", err)
	}
	return nil
}
