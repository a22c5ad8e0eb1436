package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/prysmo/internal/codec"
	"github.com/codefionn/prysmo/internal/endpoint"
	"github.com/codefionn/prysmo/internal/logger"
	"github.com/codefionn/prysmo/internal/session"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}

	mu         sync.Mutex
	closeCount int
	pings      int
	written    [][]byte
	pong       func(string) error
	readLimit  int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.inbound:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeCount > 0 {
		return errTransportClosed
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(limit int64) {
	f.mu.Lock()
	f.readLimit = limit
	f.mu.Unlock()
}

func (f *fakeTransport) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	f.pong = h
	f.mu.Unlock()
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	if f.closeCount == 1 {
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) answerPing() {
	f.mu.Lock()
	h := f.pong
	f.mu.Unlock()
	_ = h("")
}

func (f *fakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func (f *fakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, w := range f.written {
		out[i] = string(w)
	}
	return out
}

// syncBuffer is a log sink safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type connFixture struct {
	conn      *Connection
	transport *fakeTransport
	store     *session.Store
	registry  *endpoint.Registry
	hub       *Hub
	logs      *syncBuffer
}

func newConnFixture(t *testing.T, interval time.Duration) *connFixture {
	t.Helper()
	logs := &syncBuffer{}
	log := logger.NewWriter(logger.LevelDebug, logs, "")

	store := session.NewStore(session.Options{Logger: logger.NewWriter(logger.LevelNone, io.Discard, "")})
	t.Cleanup(func() { _ = store.Close() })

	f := &connFixture{
		transport: newFakeTransport(),
		store:     store,
		registry:  endpoint.NewRegistry(store, log.WithPrefix("endpoint")),
		hub:       NewHub(),
		logs:      logs,
	}
	f.conn = NewConnection(f.transport, "10.0.0.1", ConnectionOptions{
		Sessions:          store,
		Registry:          f.registry,
		Hub:               f.hub,
		HeartbeatInterval: interval,
		MaxMessageSize:    1024,
		Logger:            log.WithPrefix("conn"),
	})
	require.True(t, f.hub.Register(f.conn))
	t.Cleanup(f.conn.Kill)
	return f
}

func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(frame, &out))
	return out
}

func TestNewConnectionStartsOpenWithoutToken(t *testing.T) {
	f := newConnFixture(t, time.Hour)

	assert.Equal(t, StateOpen, f.conn.State())
	assert.Equal(t, NoToken, f.conn.Token())
	assert.Equal(t, "10.0.0.1", f.conn.RemoteAddr())
	assert.Equal(t, int64(1024), f.transport.readLimit)
	assert.Contains(t, f.logs.String(), "Connection with 10.0.0.1 was established")
}

func TestHeartbeatKillsAfterTwoSilentTicks(t *testing.T) {
	f := newConnFixture(t, time.Hour)

	f.conn.checkHealth()
	assert.Equal(t, 1, f.transport.Pings())
	assert.Equal(t, StateOpen, f.conn.State())
	assert.Equal(t, 0, f.transport.Closes())

	f.conn.checkHealth()
	assert.Equal(t, StateClosed, f.conn.State())
	assert.Equal(t, 1, f.transport.Closes())

	f.conn.checkHealth()
	f.conn.Kill()
	assert.Equal(t, 1, f.transport.Closes(), "transport is terminated exactly once")
	assert.Equal(t, 1, f.transport.Pings())
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	f := newConnFixture(t, time.Hour)

	for i := 0; i < 5; i++ {
		f.conn.checkHealth()
		f.transport.answerPing()
	}

	assert.Equal(t, StateOpen, f.conn.State())
	assert.Equal(t, 5, f.transport.Pings())
	assert.Equal(t, 0, f.transport.Closes())
}

func TestHeartbeatTickerTerminatesSilentPeer(t *testing.T) {
	f := newConnFixture(t, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return f.conn.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.transport.Closes())
	assert.Equal(t, 0, f.hub.ClientCount())
}

func TestKillIsIdempotent(t *testing.T) {
	f := newConnFixture(t, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.conn.Kill()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.transport.Closes())
	assert.Equal(t, StateClosed, f.conn.State())
	assert.Equal(t, 0, f.hub.ClientCount())
	assert.Equal(t, 1, strings.Count(f.logs.String(), "Connection null was closed"))
}

func TestSendAfterKillIsSilent(t *testing.T) {
	f := newConnFixture(t, time.Hour)
	f.conn.Kill()

	require.NoError(t, f.conn.Send(codec.Error("late")))
	assert.Equal(t, 0, f.conn.out.size())
}

func TestClaimSessionRotatesToken(t *testing.T) {
	f := newConnFixture(t, time.Hour)

	first := f.conn.ClaimSession("forged")
	assert.NotEqual(t, "forged", first)
	assert.Equal(t, first, f.conn.Token())
	assert.Equal(t, "forged", f.conn.Previous())

	frame, ok := f.conn.out.pop()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"token": first}, decodeFrame(t, frame))

	second := f.conn.ClaimSession(first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, f.store.Len(), "the old block moves, it is not duplicated")
	_, found := f.store.Lookup(first)
	assert.False(t, found)

	assert.Contains(t, f.logs.String(), "Connection null was named "+first)
	assert.Contains(t, f.logs.String(), "Connection "+first+" was named "+second)
}

func TestUnknownTriggerSendsNothingAndLogsOnce(t *testing.T) {
	f := newConnFixture(t, time.Hour)

	require.NoError(t, f.conn.Trigger("nope", json.RawMessage(`1`)))

	assert.Equal(t, 0, f.conn.out.size())
	assert.Equal(t, 1, strings.Count(f.logs.String(), "Could not handle endpoint nope"))
}

func TestHandleMalformedKeepsConnectionOpen(t *testing.T) {
	f := newConnFixture(t, time.Hour)

	f.conn.handle([]byte("{not json"))

	frame, ok := f.conn.out.pop()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"error": codec.MalformedMessage}, decodeFrame(t, frame))
	assert.Equal(t, StateOpen, f.conn.State())
	assert.Contains(t, f.logs.String(), "Received malformed JSON")
}

func TestHandleClaimsBeforeTriggering(t *testing.T) {
	f := newConnFixture(t, time.Hour)
	require.NoError(t, f.registry.Register("whoami", func(c endpoint.Caller, _ *session.Values, _ json.RawMessage, send endpoint.SendFunc) error {
		return send(c.Token())
	}, false))

	f.conn.handle([]byte(`{"token":"null","endpoint":"whoami"}`))

	grant, ok := f.conn.out.pop()
	require.True(t, ok)
	token := decodeFrame(t, grant)["token"]

	response, ok := f.conn.out.pop()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"endpoint": "whoami", "data": token}, decodeFrame(t, response))
}

func TestPumpsDeliverResponses(t *testing.T) {
	f := newConnFixture(t, time.Hour)
	require.NoError(t, f.registry.Register("hello", func(_ endpoint.Caller, _ *session.Values, _ json.RawMessage, send endpoint.SendFunc) error {
		return send("HELLO!!")
	}, false))
	f.conn.Start()

	f.transport.inbound <- []byte(`{"endpoint":"hello"}`)

	require.Eventually(t, func() bool {
		return len(f.transport.Written()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"endpoint":"hello","data":"HELLO!!"}`, f.transport.Written()[0])

	require.NoError(t, f.transport.Close())
	require.Eventually(t, func() bool {
		return f.conn.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.hub.ClientCount())
}
