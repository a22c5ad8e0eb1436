package endpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/codefionn/prysmo/internal/logger"
	"github.com/codefionn/prysmo/internal/session"
)

// SessionSource resolves the payload of a token. *session.Store satisfies it.
type SessionSource interface {
	Values(token string) (*session.Values, bool)
}

// Registry holds the endpoints of a process. Endpoints are created on first
// registration and never removed.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	sessions  SessionSource
	log       *logger.Logger
}

// NewRegistry creates an empty registry. With a nil sessions every dispatch
// sees an empty payload.
func NewRegistry(sessions SessionSource, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global().WithPrefix("endpoint")
	}
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		sessions:  sessions,
		log:       log,
	}
}

// Register appends h to the endpoint called name, creating it if needed. The
// debug flag is fixed by the first registration.
func (r *Registry) Register(name string, h Handler, debug bool) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRegistration)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidRegistration, name)
	}

	r.mu.Lock()
	ep, ok := r.endpoints[name]
	if !ok {
		ep = &Endpoint{
			name:     name,
			debug:    debug,
			sessions: r.sessions,
			log:      r.log,
		}
		r.endpoints[name] = ep
	}
	r.mu.Unlock()

	ep.add(h)
	r.log.Debug("Registered handler %d for endpoint %s", ep.HandlerCount(), name)
	return nil
}

// Lookup returns the endpoint called name.
func (r *Registry) Lookup(name string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Dispatch runs the handlers of name for c.
func (r *Registry) Dispatch(c Caller, name string, data json.RawMessage) error {
	ep, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, name)
	}
	return ep.Dispatch(c, data)
}

// HandlerCount returns how many handlers name has, zero if it is unknown.
func (r *Registry) HandlerCount(name string) int {
	ep, ok := r.Lookup(name)
	if !ok {
		return 0
	}
	return ep.HandlerCount()
}

// Names returns the registered endpoint names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
