package mqtt

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/config"
)

// Severity values passed to the ErrorReporter.
const (
	severityLow    = "low"
	severityMedium = "medium"
	severityHigh   = "high"

	reportCategory = "mqtt"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ErrorReporter receives errors that have no caller to return to: handler
// failures, dropped payloads and transport errors. logging.Logger implements it.
type ErrorReporter interface {
	Report(err error, severity, category string, fields map[string]any)
}

// Cache is a key/value store with per-entry expiry, used to remember the
// last status of each device.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
}

// TransportFactory creates the underlying paho client for one connection.
type TransportFactory func(*pahomqtt.ClientOptions) pahomqtt.Client

// Client is an MQTT client with an explicit connection state machine,
// handler multiplexing over a single broker connection, device message
// decoding and bounded automatic reconnection.
//
// Every Connect builds a fresh paho client tagged with an epoch. Callbacks
// from an older epoch are ignored, so a handshake that completes after its
// Connect call timed out cannot resurrect the client.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
//   - Status listeners are called synchronously and in order.
type Client struct {
	cfg          config.MQTTConfig
	clientID     string
	newTransport TransportFactory
	now          func() time.Time
	sleep        func(d time.Duration, abort <-chan struct{})

	// mu guards the connection state below.
	mu         sync.Mutex
	transport  pahomqtt.Client
	epoch      uint64
	retired    chan struct{} // closed when epoch moves on
	status     Status
	attempts   int
	nextTry    time.Time
	lastErr    error
	inflight   *connectAttempt
	subscribed map[string]byte

	// notifyMu serialises status transitions with their notifications.
	notifyMu sync.Mutex

	routes          *router
	devices         *deviceRegistry
	statusListeners observers[StatusListener]
	errorListeners  observers[func(error)]

	depMu    sync.RWMutex
	logger   Logger
	reporter ErrorReporter
	cache    Cache
	cacheTTL time.Duration
}

// connectAttempt is a handshake in flight. Concurrent Connect calls wait
// on done and share err.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// New creates a disconnected client.
//
// The configuration is validated and copied; later changes to cfg do not
// affect the client. An empty client ID is replaced by a generated one.
//
// Parameters:
//   - cfg: MQTT configuration from config.yaml
//
// Returns:
//   - *Client: Client ready for Connect
//   - error: ErrInvalidConfig (wrapped) if cfg is invalid
func New(cfg config.MQTTConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if cfg.Will != nil {
		will := *cfg.Will
		cfg.Will = &will
	}
	if cfg.Broker.ClientID == "" {
		cfg.Broker.ClientID = generateClientID()
	}

	return &Client{
		cfg:          cfg,
		clientID:     cfg.Broker.ClientID,
		newTransport: pahomqtt.NewClient,
		now:          time.Now,
		sleep:        sleepUnless,
		retired:      make(chan struct{}),
		status:       StatusDisconnected,
		subscribed:   make(map[string]byte),
		routes:       newRouter(),
		devices:      newDeviceRegistry(),
	}, nil
}

// Connect establishes a connection to the MQTT broker.
//
// It returns nil immediately if the client is already connected. Calls made
// while a handshake is in progress wait for that handshake instead of
// starting another.
//
// On success the status becomes connected, the reconnect counters are reset,
// tracked subscriptions are restored and an online presence message is
// published. On failure or timeout the status becomes error and the client
// can be connected again.
//
// Parameters:
//   - ctx: Cancels the wait; the handshake is also bounded by the connect timeout
//
// Returns:
//   - error: ErrConnectionFailed or ErrTimeout (wrapped) on failure
func (c *Client) Connect(ctx context.Context) error {
	var (
		joined    *connectAttempt
		attempt   *connectAttempt
		transport pahomqtt.Client
		epoch     uint64
	)

	c.transition(func() Status {
		if c.status == StatusConnected && c.transport != nil && c.transport.IsConnectionOpen() {
			return c.status
		}
		if c.inflight != nil {
			joined = c.inflight
			return c.status
		}

		if c.transport != nil {
			// Left over from a failed state; replace it.
			go c.transport.Disconnect(0)
		}

		c.nextEpoch()
		epoch = c.epoch
		attempt = &connectAttempt{done: make(chan struct{})}
		c.inflight = attempt
		c.transport = c.newTransport(c.transportOptions(epoch))
		transport = c.transport
		return StatusConnecting
	})

	switch {
	case joined != nil:
		select {
		case <-joined.done:
			return joined.err
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
		}
	case attempt == nil:
		return nil
	}

	c.log().Info("connecting to MQTT broker",
		"broker", c.cfg.BrokerAddress(),
		"client_id", c.clientID,
	)

	timeout := c.cfg.Session.ConnectTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := transport.Connect()
	var err error
	select {
	case <-token.Done():
		if tokenErr := token.Error(); tokenErr != nil {
			err = fmt.Errorf("%w: %w", ErrConnectionFailed, tokenErr)
		}
	case <-timer.C:
		err = fmt.Errorf("%w: connect after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}

	return c.finishConnect(epoch, transport, attempt, err)
}

// finishConnect settles a handshake started by Connect.
func (c *Client) finishConnect(epoch uint64, transport pahomqtt.Client, attempt *connectAttempt, err error) error {
	stale := false

	c.transition(func() Status {
		if c.inflight == attempt {
			c.inflight = nil
		}
		if epoch != c.epoch {
			stale = true
			return c.status
		}
		if err != nil {
			// Drop the transport; a late CONNACK now belongs to a stale epoch.
			c.nextEpoch()
			c.transport = nil
			c.lastErr = err
			return StatusError
		}
		c.attempts = 0
		c.lastErr = nil
		return StatusConnected
	})

	if stale && err == nil {
		err = fmt.Errorf("%w: disconnected while connecting", ErrConnectionFailed)
	}

	attempt.err = err
	close(attempt.done)

	if err != nil {
		go transport.Disconnect(0)
		if !stale {
			c.log().Error("MQTT connection failed",
				"broker", c.cfg.BrokerAddress(),
				"error", err,
			)
			c.emitError(err, severityHigh, map[string]any{"broker": c.cfg.BrokerAddress()})
		}
		return err
	}

	c.log().Info("connected to MQTT broker", "broker", c.cfg.BrokerAddress())
	c.restoreSubscriptions(transport)
	c.publishPresence(transport, buildOnlinePayload(c.clientID))
	return nil
}

// transportOptions builds paho options whose callbacks are bound to epoch.
func (c *Client) transportOptions(epoch uint64) *pahomqtt.ClientOptions {
	opts := buildClientOptions(c.cfg, c.clientID)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect(epoch)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(epoch, err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.handleReconnecting(epoch)
	})
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.handleMessage(epoch, msg)
	})

	return opts
}

// handleConnect is called by paho after every successful (re)connection.
// The first connection is settled by Connect itself; this handles the
// automatic reconnects.
func (c *Client) handleConnect(epoch uint64) {
	var transport pahomqtt.Client

	c.transition(func() Status {
		if epoch != c.epoch {
			return c.status
		}
		if c.status != StatusReconnecting && c.status != StatusDisconnected {
			return c.status
		}
		transport = c.transport
		c.attempts = 0
		c.lastErr = nil
		return StatusConnected
	})

	if transport == nil {
		return
	}

	c.log().Info("reconnected to MQTT broker", "broker", c.cfg.BrokerAddress())
	c.restoreSubscriptions(transport)
	c.publishPresence(transport, buildOnlinePayload(c.clientID))
}

// handleConnectionLost is called by paho when an established connection drops.
func (c *Client) handleConnectionLost(epoch uint64, err error) {
	if err == nil {
		err = errors.New("connection closed by broker")
	}

	stale := false
	c.transition(func() Status {
		if epoch != c.epoch {
			stale = true
			return c.status
		}
		c.lastErr = err
		// The reconnect loop may already have moved us to reconnecting.
		if c.status == StatusConnected {
			return StatusDisconnected
		}
		return c.status
	})

	if stale {
		return
	}

	c.log().Warn("MQTT connection lost", "error", err)
	c.emitError(fmt.Errorf("mqtt: connection lost: %w", err), severityMedium, nil)
}

// handleReconnecting is called by paho before every reconnect attempt.
// Once the configured maximum is reached the transport is stopped and the
// client moves to StatusError.
//
// paho runs this synchronously ahead of each attempt, so it also spaces
// attempts at least Reconnect.InitialDelay apart (the first one included).
// paho's own backoff starts at 1s and doubles up to Reconnect.MaxDelay; the
// larger of the two gaps applies.
func (c *Client) handleReconnecting(epoch uint64) {
	var (
		stop     pahomqtt.Client
		attempts int
		wait     time.Duration
		retired  <-chan struct{}
	)
	maxAttempts := c.cfg.Reconnect.MaxAttempts
	interval := time.Duration(c.cfg.Reconnect.InitialDelay) * time.Second

	c.transition(func() Status {
		if epoch != c.epoch || c.status == StatusError {
			return c.status
		}
		c.attempts++
		attempts = c.attempts

		if maxAttempts > 0 && c.attempts >= maxAttempts {
			c.nextEpoch()
			stop = c.transport
			c.transport = nil
			c.lastErr = fmt.Errorf("%w: %d", ErrMaxReconnectAttempts, maxAttempts)
			return StatusError
		}

		now := c.now()
		wait = interval
		if c.attempts > 1 {
			wait = c.nextTry.Add(interval).Sub(now)
		}
		wait = max(wait, 0)
		c.nextTry = now.Add(wait)
		retired = c.retired
		return StatusReconnecting
	})

	if attempts == 0 {
		return
	}

	if stop == nil {
		c.log().Info("reconnecting to MQTT broker", "attempt", attempts, "delay", wait)
		if wait > 0 {
			c.sleep(wait, retired)
		}
		return
	}

	// paho's Disconnect waits for the running attempt, which is this goroutine.
	go stop.Disconnect(0)

	err := fmt.Errorf("%w: %d", ErrMaxReconnectAttempts, maxAttempts)
	c.log().Error("giving up MQTT reconnection", "attempts", attempts)
	c.emitError(err, severityHigh, map[string]any{"attempts": attempts})
}

// restoreSubscriptions re-subscribes to all tracked filters after (re)connect.
func (c *Client) restoreSubscriptions(transport pahomqtt.Client) {
	c.mu.Lock()
	filters := maps.Clone(c.subscribed)
	c.mu.Unlock()

	if len(filters) == 0 {
		return
	}

	token := transport.SubscribeMultiple(filters, nil)
	err := waitToken(context.Background(), token, defaultOperationTimeout)
	if err == nil {
		err = subackError(token)
	}
	if err != nil {
		err = fmt.Errorf("%w: restoring subscriptions: %w", ErrSubscribeFailed, err)
		c.log().Warn("failed to restore MQTT subscriptions", "count", len(filters), "error", err)
		c.emitError(err, severityMedium, map[string]any{"count": len(filters)})
		return
	}
	c.log().Debug("restored MQTT subscriptions", "count", len(filters))
}

// publishPresence publishes a retained message on the client's presence topic.
func (c *Client) publishPresence(transport pahomqtt.Client, payload string) pahomqtt.Token {
	return transport.Publish(Topics{}.ClientStatus(c.clientID), byte(c.cfg.QoS), true, payload)
}

// Disconnect gracefully disconnects from the MQTT broker.
//
// It publishes a graceful offline status, lets in-flight publishes flush for
// a short quiesce period, then closes the connection. Whatever the previous
// state, the client ends up disconnected with no subscriptions and its
// reconnect counters and last error cleared. Callbacks registered with
// SubscribeToDeviceData and SubscribeToDeviceStatus are dropped with their
// subscriptions; OnDeviceData and OnDeviceStatus callbacks are kept.
//
// Returns:
//   - error: ctx.Err() if the context ended while flushing; the client is
//     disconnected regardless
func (c *Client) Disconnect(ctx context.Context) error {
	transport := c.teardown()
	if transport == nil {
		return nil
	}

	var err error
	if transport.IsConnectionOpen() {
		token := c.publishPresence(transport, buildOfflinePayload(c.clientID))
		if werr := waitToken(ctx, token, defaultOperationTimeout); werr != nil {
			c.log().Warn("offline status not delivered", "error", werr)
			err = ctx.Err()
		}
	}

	transport.Disconnect(defaultDisconnectQuiesce)
	c.log().Info("disconnected from MQTT broker")
	return err
}

// ForceDisconnect closes the connection immediately, without the offline
// message or quiesce period. State cleanup is the same as Disconnect.
func (c *Client) ForceDisconnect() {
	transport := c.teardown()
	if transport == nil {
		return
	}
	transport.Disconnect(0)
	c.log().Info("force-disconnected from MQTT broker")
}

// teardown resets the client to disconnected and detaches the transport.
func (c *Client) teardown() pahomqtt.Client {
	var transport pahomqtt.Client

	c.transition(func() Status {
		transport = c.transport
		c.transport = nil
		c.nextEpoch()
		c.attempts = 0
		c.lastErr = nil
		c.subscribed = make(map[string]byte)
		c.routes.reset()
		c.devices.reset()
		return StatusDisconnected
	})

	return transport
}

// nextEpoch retires the current epoch. The caller holds mu.
func (c *Client) nextEpoch() {
	c.epoch++
	close(c.retired)
	c.retired = make(chan struct{})
}

// sleepUnless waits for d or until abort is closed.
func sleepUnless(d time.Duration, abort <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-abort:
	}
}

// transition applies fn under the state lock and notifies status listeners
// if the status changed. fn returns the new status.
func (c *Client) transition(fn func() Status) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	previous := c.status
	current := fn()
	c.status = current
	c.mu.Unlock()

	if current == previous {
		return
	}

	c.log().Debug("MQTT status changed", "from", previous, "to", current)
	for _, listener := range c.statusListeners.snapshot() {
		c.safeCall("status listener", func() { listener(current, previous) })
	}
}

// connectedTransport returns the live transport and its epoch.
func (c *Client) connectedTransport() (pahomqtt.Client, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusConnected || c.transport == nil || !c.transport.IsConnectionOpen() {
		return nil, 0, ErrNotConnected
	}
	return c.transport, c.epoch, nil
}

// HealthCheck verifies the MQTT connection is alive and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected reports whether the client is connected and the transport
// connection is open.
func (c *Client) IsConnected() bool {
	_, _, err := c.connectedTransport()
	return err == nil
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ClientID returns the MQTT client identifier.
func (c *Client) ClientID() string {
	return c.clientID
}

// Stats is a snapshot of the client's state.
type Stats struct {
	Status            Status   `json:"status"`
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	ReconnectAttempts int      `json:"reconnectAttempts"`
	LastError         string   `json:"lastError,omitempty"`
	ClientID          string   `json:"clientId"`
}

// Stats returns a snapshot of the connection and subscription state.
// Topics are sorted.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.subscribed))
	for t := range c.subscribed {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	s := Stats{
		Status:            c.status,
		SubscriptionCount: len(c.subscribed),
		Topics:            topics,
		ReconnectAttempts: c.attempts,
		ClientID:          c.clientID,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// OnStatusChange registers a listener for status changes and returns a func
// that removes it.
func (c *Client) OnStatusChange(fn StatusListener) func() {
	return c.statusListeners.add(fn)
}

// OnError registers a listener for connection-level errors (connect
// failures, lost connections, reconnect exhaustion) and returns a func that
// removes it.
func (c *Client) OnError(fn func(error)) func() {
	return c.errorListeners.add(fn)
}

// SetLogger sets a logger for connection events and handler failures.
// If not set, nothing is logged.
func (c *Client) SetLogger(logger Logger) {
	c.depMu.Lock()
	c.logger = logger
	c.depMu.Unlock()
}

// SetErrorReporter sets the sink for errors that cannot be returned to a caller.
func (c *Client) SetErrorReporter(reporter ErrorReporter) {
	c.depMu.Lock()
	c.reporter = reporter
	c.depMu.Unlock()
}

// SetStatusCache makes the client remember the last status update of each
// device for ttl. See LastDeviceStatus.
func (c *Client) SetStatusCache(cache Cache, ttl time.Duration) {
	c.depMu.Lock()
	c.cache = cache
	c.cacheTTL = ttl
	c.depMu.Unlock()
}

// log returns the configured logger, or a no-op logger.
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
	if reporter != nil {
		reporter.Report(err, severity, reportCategory, fields)
	}
}

// emitError reports err and notifies error listeners.
func (c *Client) emitError(err error, severity string, fields map[string]any) {
	c.report(err, severity, fields)
	for _, listener := range c.errorListeners.snapshot() {
		c.safeCall("error listener", func() { listener(err) })
	}
}

// safeCall runs fn, recovering and logging a panic.
func (c *Client) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("MQTT callback panic recovered", "callback", what, "panic", r)
			c.report(fmt.Errorf("mqtt: %s panic: %v", what, r), severityHigh, nil)
		}
	}()
	fn()
}

// waitToken waits for a paho token, bounded by ctx and timeout.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%w: no acknowledgement after %v", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
