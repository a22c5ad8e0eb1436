package consts

import "time"

// Buffer sizes for the WebSocket upgrader
const (
	// ReadBufferSize is the per-connection read buffer
	ReadBufferSize = 1024
	// WriteBufferSize is the per-connection write buffer
	WriteBufferSize = 1024
)

// HTTP server timeouts
const (
	// ReadHeaderTimeout bounds the upgrade request headers
	ReadHeaderTimeout = 10 * time.Second
	// ShutdownTimeout bounds a graceful HTTP shutdown
	ShutdownTimeout = 5 * time.Second
)
