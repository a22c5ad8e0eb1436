// Package gateway serves the WebSocket surface: it accepts connections,
// enforces the transport security policy and binds every peer to a
// recoverable session.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/codefionn/prysmo/internal/config"
	"github.com/codefionn/prysmo/internal/consts"
	"github.com/codefionn/prysmo/internal/endpoint"
	"github.com/codefionn/prysmo/internal/lockfile"
	"github.com/codefionn/prysmo/internal/logger"
	"github.com/codefionn/prysmo/internal/session"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/netutil"
)

// Name identifies the gateway on the status surface.
const Name = "Prysmo API Gateway"

const (
	insecureMessage = "Please, use HTTPS."
	insecureUpgrade = "TLS/1.1"
)

var (
	// ErrNotListening is returned by Close on a gateway that is not serving.
	ErrNotListening = errors.New("gateway is not listening")
	// ErrAlreadyListening is returned by a second Listen without Close.
	ErrAlreadyListening = errors.New("gateway is already listening")
)

// Status is the body of GET /status.
type Status struct {
	Name        string   `json:"name"`
	Connections int      `json:"connections"`
	Sessions    int      `json:"sessions"`
	Endpoints   []string `json:"endpoints"`
}

// Gateway owns the session store, the endpoint registry and the set of live
// connections. Endpoints may be registered before or after Listen.
type Gateway struct {
	cfg      *config.Config
	base     *logger.Logger
	log      *logger.Logger
	registry *endpoint.Registry
	hub      *Hub

	mu       sync.RWMutex
	store    *session.Store
	lock     *lockfile.Lockfile
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a gateway for cfg. A nil cfg uses the defaults and a nil log
// the global logger.
func New(cfg *config.Config, log *logger.Logger) *Gateway {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.Global()
	}
	g := &Gateway{
		cfg:  cfg,
		base: log,
		log:  log.WithPrefix("gateway"),
		hub:  NewHub(),
	}
	g.registry = endpoint.NewRegistry(g, log.WithPrefix("endpoint"))
	return g
}

// Endpoint registers h under name.
func (g *Gateway) Endpoint(name string, h endpoint.Handler, debug bool) error {
	return g.registry.Register(name, h, debug)
}

// Registry exposes the endpoint registry.
func (g *Gateway) Registry() *endpoint.Registry { return g.registry }

// Values resolves a session payload through the store of the current Listen.
func (g *Gateway) Values(token string) (*session.Values, bool) {
	store := g.Sessions()
	if store == nil {
		return nil, false
	}
	return store.Values(token)
}

// Sessions returns the live session store, nil when not listening.
func (g *Gateway) Sessions() *session.Store {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store
}

// Addr returns the bound address, nil when not listening.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Listen opens the session store and starts accepting connections.
func (g *Gateway) Listen() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server != nil {
		return ErrAlreadyListening
	}

	store, lock, err := g.openStore()
	if err != nil {
		return err
	}

	ln, err := g.listen()
	if err != nil {
		_ = g.closeStore(store, lock)
		return err
	}

	srv := &http.Server{
		Handler:           g.Handler(),
		ErrorLog:          logger.NewStdLogger(g.log, slog.LevelError),
		ReadHeaderTimeout: consts.ReadHeaderTimeout,
	}
	done := make(chan struct{})

	g.store = store
	g.lock = lock
	g.server = srv
	g.listener = ln
	g.done = done
	g.hub.Reopen()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("HTTP server error: %v", err)
		}
	}()

	g.log.Info("%s listening at %s", Name, ln.Addr())
	return nil
}

func (g *Gateway) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", g.cfg.Addr(), err)
	}
	if g.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, g.cfg.MaxConnections)
	}
	if g.cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(g.cfg.TLS.CertFile, g.cfg.TLS.KeyFile)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	return ln, nil
}

// openStore builds the session store of one Listen. A persistent store locks
// its backing file first so two processes never write the same sessions.
func (g *Gateway) openStore() (*session.Store, *lockfile.Lockfile, error) {
	sc := g.cfg.Session
	opts := session.Options{
		Persist: sc.Persist,
		Expires: sc.ExpiryWindow(),
		Logger:  g.base.WithPrefix("session"),
	}
	if !sc.Persist {
		return session.NewStore(opts), nil, nil
	}

	lock := lockfile.For(sc.BackupFile)
	if err := lock.TryAcquire(); err != nil {
		return nil, nil, fmt.Errorf("failed to lock session storage: %w", err)
	}

	opts.BackupInterval = sc.BackupInterval()
	switch sc.Backend {
	case config.BackendSQLite:
		backend, err := session.NewSQLiteBackend(sc.BackupFile)
		if err != nil {
			_ = lock.Release()
			return nil, nil, fmt.Errorf("failed to open session database: %w", err)
		}
		opts.Backend = backend
	default:
		opts.Backend = session.NewFileBackend(sc.BackupFile)
	}
	return session.NewStore(opts), lock, nil
}

func (g *Gateway) closeStore(store *session.Store, lock *lockfile.Lockfile) error {
	var errs []error
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session store: %w", err))
	}
	if lock != nil {
		if err := lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		g.log.Warn("%v", err)
	}
	return err
}

// Handler returns the HTTP surface: the WebSocket upgrade on / and the status
// document on /status.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", g.handleUpgrade)
	router.GET("/status", g.handleStatus)
	return router
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	addr := remoteHost(r)
	if g.cfg.SecureOnly && r.TLS == nil {
		g.log.Info("Connection denied for %s", addr)
		w.Header().Set("Upgrade", insecureUpgrade)
		http.Error(w, insecureMessage, http.StatusUpgradeRequired)
		return
	}

	store := g.Sessions()
	if store == nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  consts.ReadBufferSize,
		WriteBufferSize: consts.WriteBufferSize,
		Subprotocols:    []string{g.cfg.Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("Failed to upgrade WebSocket from %s: %v", addr, err)
		return
	}

	c := NewConnection(conn, addr, ConnectionOptions{
		Sessions:          store,
		Registry:          g.registry,
		Hub:               g.hub,
		HeartbeatInterval: g.cfg.HeartbeatInterval(),
		WriteTimeout:      g.cfg.WriteTimeout(),
		MaxMessageSize:    g.cfg.MaxMessageSize,
		Logger:            g.base.WithPrefix("conn"),
	})
	if !g.hub.Register(c) {
		c.Kill()
		return
	}
	c.Start()
}

func (g *Gateway) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	status := Status{
		Name:        Name,
		Connections: g.hub.ClientCount(),
		Endpoints:   g.registry.Names(),
	}
	if store := g.Sessions(); store != nil {
		status.Sessions = store.Len()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		g.log.Error("Failed to encode status: %v", err)
	}
}

// Close stops accepting connections, kills the live ones and closes the
// session store, saving it when persistence is on.
func (g *Gateway) Close() error {
	g.mu.Lock()
	srv, store, lock, done := g.server, g.store, g.lock, g.done
	if srv == nil {
		g.mu.Unlock()
		return ErrNotListening
	}
	g.server, g.store, g.lock, g.listener, g.done = nil, nil, nil, nil, nil
	g.mu.Unlock()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
	}
	g.hub.Shutdown()
	<-done

	if err := g.closeStore(store, lock); err != nil {
		errs = append(errs, err)
	}
	g.log.Info("%s stopped", Name)
	return errors.Join(errs...)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
