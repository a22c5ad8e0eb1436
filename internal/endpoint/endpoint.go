// Package endpoint routes envelopes to named groups of handlers.
//
// An endpoint owns an ordered list of handlers. Dispatch runs them one after
// another in registration order. A failing handler (returned error or panic)
// is logged; only endpoints registered in debug mode report the failure to the
// peer and to the dispatcher, which also stops the remaining handlers.
package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/prysmo/internal/codec"
	"github.com/codefionn/prysmo/internal/logger"
	"github.com/codefionn/prysmo/internal/session"
)

var (
	// ErrUnknownEndpoint is returned when dispatching to a name nothing was
	// registered under.
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	// ErrInvalidRegistration rejects an empty name or a nil handler.
	ErrInvalidRegistration = errors.New("invalid endpoint registration")
)

// Caller is the connection an envelope arrived on. Handlers receive it so they
// can chain to another endpoint through Trigger.
type Caller interface {
	Token() string
	RemoteAddr() string
	Trigger(name string, data json.RawMessage) error
	Send(env codec.Envelope) error
}

// SendFunc sends data to the caller as a response of the current endpoint.
type SendFunc func(data any) error

// Handler is the application logic bound to an endpoint. The session payload
// is only valid for the duration of the call.
type Handler func(c Caller, sess *session.Values, data json.RawMessage, send SendFunc) error

// HandlerError reports a failed handler.
type HandlerError struct {
	Endpoint string
	Index    int
	Err      error
	Panicked bool
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("endpoint %s: handler %d panicked: %v", e.Endpoint, e.Index, e.Err)
	}
	return fmt.Sprintf("endpoint %s: handler %d failed: %v", e.Endpoint, e.Index, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Endpoint is a named, ordered group of handlers.
type Endpoint struct {
	name     string
	debug    bool
	mu       sync.RWMutex
	handlers []Handler
	sessions SessionSource
	log      *logger.Logger
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Debug reports whether handler failures are surfaced to peers.
func (e *Endpoint) Debug() bool { return e.debug }

// HandlerCount returns the number of registered handlers.
func (e *Endpoint) HandlerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

func (e *Endpoint) add(h Handler) {
	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
}

// Dispatch runs every handler for c with data.
func (e *Endpoint) Dispatch(c Caller, data json.RawMessage) error {
	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	send := func(out any) error {
		env, err := codec.Response(e.name, out)
		if err != nil {
			return err
		}
		return c.Send(env)
	}

	for i, h := range handlers {
		err := e.invoke(i, h, c, e.sessionFor(c), data, send)
		if err == nil {
			continue
		}

		e.log.Error("%v", err)
		if e.debug {
			if sendErr := c.Send(codec.Error(err.Err.Error())); sendErr != nil {
				e.log.Debug("Could not report failure of %s to peer: %v", e.name, sendErr)
			}
			return err
		}
	}
	return nil
}

func (e *Endpoint) sessionFor(c Caller) *session.Values {
	if e.sessions != nil {
		if values, ok := e.sessions.Values(c.Token()); ok {
			return values
		}
	}
	return session.NewValues()
}

func (e *Endpoint) invoke(i int, h Handler, c Caller, sess *session.Values, data json.RawMessage, send SendFunc) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			herr = &HandlerError{Endpoint: e.name, Index: i, Err: err, Panicked: true}
		}
	}()

	if err := h(c, sess, data, send); err != nil {
		return &HandlerError{Endpoint: e.name, Index: i, Err: err}
	}
	return nil
}
