package stream

import "errors"

// Sentinel errors for streaming client operations.
// Use errors.Is() to check for these.
var (
	// ErrInvalidURL indicates the configured endpoint is not a ws:// or wss:// URL.
	ErrInvalidURL = errors.New("stream: invalid url")

	// ErrDialFailed indicates the WebSocket handshake could not be completed.
	ErrDialFailed = errors.New("stream: dial failed")

	// ErrNotOpen indicates an operation that needs an open connection was
	// attempted while connecting, closing or closed.
	ErrNotOpen = errors.New("stream: connection not open")
)
