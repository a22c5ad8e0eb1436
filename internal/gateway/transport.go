package gateway

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
)

var _ Transport = (*websocket.Conn)(nil)

// Transport is the framed duplex connection under a Connection.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// outbox is the unbounded queue drained by a connection's write pump.
// Pushing never blocks; pushing to a closed outbox drops the frame.
type outbox struct {
	mu     sync.Mutex
	frames *queue.Queue
	ready  chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{
		frames: queue.New(),
		ready:  make(chan struct{}, 1),
	}
}

func (o *outbox) push(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.frames.Add(frame)
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a frame is queued or the outbox is closed.
func (o *outbox) pop() ([]byte, bool) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, false
		}
		if o.frames.Length() > 0 {
			frame := o.frames.Remove().([]byte)
			o.mu.Unlock()
			return frame, true
		}
		o.mu.Unlock()
		<-o.ready
	}
}

func (o *outbox) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frames.Length()
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ready)
}
