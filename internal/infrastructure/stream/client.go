package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/config"
)

// Status is the lifecycle state of the streaming connection.
type Status string

// Connection states.
const (
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
)

// Client defaults applied when the configuration leaves a value unset.
const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDelay    = time.Second

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// closeGrace is how long Disconnect waits for the peer to answer the
	// close frame before dropping the socket.
	closeGrace = time.Second

	// maxBackoffShift caps the exponent so the delay cannot overflow.
	maxBackoffShift = 20

	typePing = "ping"

	reportCategory = "stream"
	severityLow    = "low"
	severityMedium = "medium"
	severityHigh   = "high"
)

// MessageHandler receives every JSON text frame read from the endpoint.
type MessageHandler func(msg json.RawMessage)

// StatusHandler is called with the new and previous status on every change.
type StatusHandler func(current, previous Status)

// Logger is the logging surface the client needs. *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrorReporter receives errors that have no caller to return to.
type ErrorReporter interface {
	Report(err error, severity, category string, fields map[string]any)
}

// pingFrame is the heartbeat payload.
type pingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Stats is a point-in-time view of the client for status endpoints.
type Stats struct {
	URL               string `json:"url"`
	Status            Status `json:"status"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	LastError         string `json:"lastError,omitempty"`
}

// Client is a WebSocket client with heartbeat and bounded reconnection.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Handlers run on the read goroutine and must not block for long.
type Client struct {
	cfg    config.StreamConfig
	dialer *websocket.Dialer
	now    func() time.Time

	mu       sync.Mutex
	status   Status
	conn     *websocket.Conn
	done     chan struct{} // closed when the read loop of conn exits
	gen      uint64        // bumped by Connect and Disconnect; stale dials and timers compare against it
	manual   bool          // set by Disconnect, cleared by Connect
	attempts int
	lastErr  error
	timer    *time.Timer

	// writeMu serialises data frames; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// notifyMu orders status notifications.
	notifyMu sync.Mutex
	messages handlerSet[MessageHandler]
	statuses handlerSet[StatusHandler]

	depMu    sync.RWMutex
	logger   Logger
	reporter ErrorReporter
}

// New validates cfg and returns a closed client. No connection is made.
func New(cfg config.StreamConfig) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		now:    time.Now,
		status: StatusClosed,
	}, nil
}

// Connect dials the endpoint. It is a no-op while connecting or open.
// A failed initial dial leaves the client closed and schedules no reconnect.
func (c *Client) Connect(ctx context.Context) error {
	var gen uint64
	busy, closing := false, false

	c.transition(func() Status {
		switch c.status {
		case StatusConnecting, StatusOpen:
			busy = true
			return c.status
		case StatusClosing:
			closing = true
			return c.status
		}
		c.stopTimer()
		c.manual = false
		c.attempts = 0
		c.gen++
		gen = c.gen
		return StatusConnecting
	})
	if busy {
		return nil
	}
	if closing {
		return fmt.Errorf("%w: disconnect in progress", ErrNotOpen)
	}

	return c.dial(ctx, gen)
}

// dial performs one handshake for generation gen and installs the connection.
func (c *Client) dial(ctx context.Context, gen uint64) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDialFailed, err)
		c.transition(func() Status {
			if gen != c.gen {
				return c.status
			}
			c.lastErr = err
			return StatusClosed
		})
		c.log().Warn("stream dial failed", "url", c.cfg.URL, "error", err)
		c.report(err, severityMedium, nil)
		return err
	}

	done := make(chan struct{})
	stale := false
	c.transition(func() Status {
		if gen != c.gen || c.manual {
			stale = true
			return c.status
		}
		c.conn = conn
		c.done = done
		c.attempts = 0
		c.lastErr = nil
		return StatusOpen
	})
	if stale {
		conn.Close()
		return fmt.Errorf("%w: disconnected while connecting", ErrDialFailed)
	}

	if c.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageSize)
	}

	go c.readLoop(conn, done)
	go c.heartbeat(conn, done)

	c.log().Info("stream connected", "url", c.cfg.URL)
	return nil
}

// readLoop delivers frames until the connection ends.
func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !json.Valid(data) {
			c.report(errors.New("stream: frame is not JSON"), severityLow, map[string]any{"size": len(data)})
			continue
		}
		c.dispatch(json.RawMessage(data))
	}
}

func (c *Client) dispatch(msg json.RawMessage) {
	for _, fn := range c.messages.snapshot() {
		c.safeCall("message handler", func() { fn(msg) })
	}
}

// heartbeat sends a ping frame every HeartbeatInterval until done closes.
func (c *Client) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			frame := pingFrame{Type: typePing, Timestamp: c.now().UnixMilli()}
			if err := c.write(conn, frame); err != nil {
				c.log().Debug("stream heartbeat failed", "error", err)
			}
		}
	}
}

// handleClose records the end of conn and schedules a reconnect when the
// closure was not clean.
func (c *Client) handleClose(conn *websocket.Conn, err error) {
	clean := isCleanClose(err)
	var (
		current   bool
		retrying  bool
		exhausted bool
		delay     time.Duration
		attempt   int
	)

	c.transition(func() Status {
		if c.conn != conn {
			return c.status
		}
		current = true
		c.conn = nil
		c.done = nil
		if c.manual || clean {
			return StatusClosed
		}

		c.lastErr = err
		delay, attempt, exhausted = c.nextAttempt()
		retrying = !exhausted
		return StatusClosed
	})
	conn.Close()

	if !current {
		return
	}
	switch {
	case exhausted:
		c.giveUp(err)
	case retrying:
		c.log().Warn("stream connection lost", "error", err, "retry_in", delay, "attempt", attempt)
		c.report(err, severityMedium, map[string]any{"attempt": attempt})
	default:
		c.log().Info("stream closed", "url", c.cfg.URL)
	}
}

// nextAttempt schedules the next reconnect unless the attempt budget is
// spent. Caller must hold c.mu.
func (c *Client) nextAttempt() (delay time.Duration, attempt int, exhausted bool) {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		return 0, c.attempts, true
	}
	delay = backoff(c.cfg.ReconnectDelay, c.attempts)
	c.attempts++
	c.schedule(delay)
	return delay, c.attempts, false
}

func (c *Client) giveUp(err error) {
	c.log().Error("stream reconnection exhausted", "url", c.cfg.URL, "attempts", c.cfg.MaxReconnectAttempts)
	c.report(err, severityHigh, map[string]any{"attempts": c.cfg.MaxReconnectAttempts})
}

// schedule arms the reconnect timer. Caller must hold c.mu.
func (c *Client) schedule(delay time.Duration) {
	c.stopTimer()
	gen := c.gen
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
}

// stopTimer cancels a pending reconnect. Caller must hold c.mu.
func (c *Client) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// reconnect runs one scheduled attempt. A failed dial counts as another
// unexpected closure.
func (c *Client) reconnect(gen uint64) {
	proceed := false
	c.transition(func() Status {
		if gen != c.gen || c.manual || c.status != StatusClosed {
			return c.status
		}
		c.timer = nil
		proceed = true
		return StatusConnecting
	})
	if !proceed {
		return
	}

	err := c.dial(context.Background(), gen)
	if err == nil {
		return
	}

	var exhausted bool
	c.mu.Lock()
	if gen == c.gen && !c.manual {
		_, _, exhausted = c.nextAttempt()
	}
	c.mu.Unlock()

	if exhausted {
		c.giveUp(err)
	}
}

// Disconnect closes the connection cleanly and cancels any pending
// reconnect. It is safe to call in any state.
func (c *Client) Disconnect() error {
	var (
		conn *websocket.Conn
		done chan struct{}
	)

	c.transition(func() Status {
		c.manual = true
		c.stopTimer()
		c.gen++
		c.attempts = 0
		conn, done = c.conn, c.done
		if conn == nil {
			return StatusClosed
		}
		return StatusClosing
	})
	if conn == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))

	select {
	case <-done:
	case <-time.After(closeGrace):
		conn.Close()
		<-done
	}

	c.log().Info("stream disconnected", "url", c.cfg.URL)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("stream: sending close frame: %w", err)
	}
	return nil
}

// Send writes v as a JSON text frame.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn, status := c.conn, c.status
	c.mu.Unlock()

	if status != StatusOpen || conn == nil {
		return ErrNotOpen
	}
	return c.write(conn, v)
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("stream: encoding message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("stream: writing message: %w", err)
	}
	return nil
}

// transition applies fn under the state lock and notifies status handlers
// when the status changed.
func (c *Client) transition(fn func() Status) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	previous := c.status
	c.status = fn()
	current := c.status
	c.mu.Unlock()

	if current == previous {
		return
	}
	for _, h := range c.statuses.snapshot() {
		c.safeCall("status handler", func() { h(current, previous) })
	}
}

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsOpen reports whether frames can be sent.
func (c *Client) IsOpen() bool {
	return c.Status() == StatusOpen
}

// HealthCheck returns nil when the connection is open.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsOpen() {
		return ErrNotOpen
	}
	return nil
}

// Stats returns a snapshot for status reporting.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		URL:               c.cfg.URL,
		Status:            c.status,
		ReconnectAttempts: c.attempts,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// OnMessage registers fn for every received message and returns a func
// that removes it. Handlers run on the read goroutine and must not call
// Disconnect synchronously.
func (c *Client) OnMessage(fn MessageHandler) func() {
	return c.messages.add(fn)
}

// OnStatus registers fn for status changes and returns a func that removes it.
// Handlers must not call Connect or Disconnect synchronously.
func (c *Client) OnStatus(fn StatusHandler) func() {
	return c.statuses.add(fn)
}

// SetLogger sets the logger used by the client.
func (c *Client) SetLogger(logger Logger) {
	c.depMu.Lock()
	c.logger = logger
	c.depMu.Unlock()
}

// SetErrorReporter sets the sink for errors that have no caller.
func (c *Client) SetErrorReporter(reporter ErrorReporter) {
	c.depMu.Lock()
	c.reporter = reporter
	c.depMu.Unlock()
}

func (c *Client) log() Logger {
	c.depMu.RLock()
	defer c.depMu.RUnlock()
	if c.logger == nil {
		return nopLogger{}
	}
	return c.logger
}

func (c *Client) report(err error, severity string, fields map[string]any) {
	c.depMu.RLock()
	reporter := c.reporter
	c.depMu.RUnlock()

	if reporter == nil || err == nil {
		return
	}
	reporter.Report(err, severity, reportCategory, fields)
}

func (c *Client) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("stream: %s panicked: %v", what, r)
			c.log().Error("stream handler panic", "handler", what, "panic", r)
			c.report(err, severityHigh, nil)
		}
	}()
	fn()
}

// backoff returns base × 2^attempt.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return base << uint(attempt)
}

// isCleanClose reports whether err ends a connection that completed the
// close handshake. gorilla reports a dropped socket as code 1006.
func isCleanClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code != websocket.CloseAbnormalClosure
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
