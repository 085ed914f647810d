package mqtt

import (
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/config"
)

// fakeToken is a controllable pahomqtt.Token.
type fakeToken struct {
	done   chan struct{}
	once   sync.Once
	err    error
	result map[string]byte
}

func newPendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func newDoneToken(err error) *fakeToken {
	t := newPendingToken()
	t.complete(err)
	return t
}

func (t *fakeToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{}   { return t.done }
func (t *fakeToken) Error() error            { return t.err }
func (t *fakeToken) Result() map[string]byte { return t.result }

// fakePublish records one Publish call.
type fakePublish struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeTransport is an in-memory pahomqtt.Client. The test drives paho's
// callbacks through the helper methods.
type fakeTransport struct {
	opts *pahomqtt.ClientOptions

	mu           sync.Mutex
	open         bool
	connectToken *fakeToken // nil: connect succeeds at once
	connectErr   error
	subscribeErr error
	subackCodes  map[string]byte
	publishErr   error
	subscribes   []map[string]byte
	unsubscribes [][]string
	published    []fakePublish
	disconnects  int
}

func (f *fakeTransport) IsConnected() bool      { return f.IsConnectionOpen() }
func (f *fakeTransport) IsConnectionOpen() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.open }

func (f *fakeTransport) Connect() pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connectToken != nil {
		return f.connectToken
	}
	if f.connectErr != nil {
		return newDoneToken(f.connectErr)
	}
	f.open = true
	go f.opts.OnConnect(f)
	return newDoneToken(nil)
}

func (f *fakeTransport) Disconnect(uint) {
	f.mu.Lock()
	f.open = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case string:
		b = []byte(p)
	case []byte:
		b = p
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, fakePublish{topic: topic, qos: qos, retained: retained, payload: b})
	return newDoneToken(f.publishErr)
}

func (f *fakeTransport) Subscribe(topic string, qos byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	return f.SubscribeMultiple(map[string]byte{topic: qos}, cb)
}

func (f *fakeTransport) SubscribeMultiple(filters map[string]byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := make(map[string]byte, len(filters))
	result := make(map[string]byte, len(filters))
	for k, v := range filters {
		copied[k] = v
		result[k] = v
		if code, ok := f.subackCodes[k]; ok {
			result[k] = code
		}
	}
	f.subscribes = append(f.subscribes, copied)

	tok := newPendingToken()
	tok.result = result
	tok.complete(f.subscribeErr)
	return tok
}

func (f *fakeTransport) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, append([]string(nil), topics...))
	return newDoneToken(nil)
}

func (f *fakeTransport) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakeTransport) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.NewOptionsReader(f.opts)
}

// completeConnect settles a connect left pending by connectToken, as a
// late CONNACK would.
func (f *fakeTransport) completeConnect(err error) {
	f.mu.Lock()
	tok := f.connectToken
	if err == nil {
		f.open = true
	}
	f.mu.Unlock()

	tok.complete(err)
	if err == nil {
		f.opts.OnConnect(f)
	}
}

// loseConnection simulates a dropped link followed by paho's first
// reconnect attempt.
func (f *fakeTransport) loseConnection(err error) {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	f.opts.OnConnectionLost(f, err)
	f.opts.OnReconnecting(f, f.opts)
}

// reconnecting simulates another reconnect attempt.
func (f *fakeTransport) reconnecting() {
	f.opts.OnReconnecting(f, f.opts)
}

// reconnected simulates a successful reconnect.
func (f *fakeTransport) reconnected() {
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	f.opts.OnConnect(f)
}

// deliver simulates an inbound PUBLISH.
func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.opts.DefaultPublishHandler(f, &fakeMessage{topic: topic, payload: payload, qos: 1})
}

func (f *fakeTransport) subscribeCalls() []map[string]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]byte(nil), f.subscribes...)
}

func (f *fakeTransport) unsubscribeCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.unsubscribes...)
}

func (f *fakeTransport) publishes() []fakePublish {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakePublish(nil), f.published...)
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type fakeMessage struct {
	topic   string
	payload []byte
	qos     byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return m.qos }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

// fakeBroker hands out fakeTransports and remembers them.
type fakeBroker struct {
	mu         sync.Mutex
	transports []*fakeTransport
	// prepare adjusts each new transport before it is returned.
	prepare func(*fakeTransport)
}

func (b *fakeBroker) factory(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	f := &fakeTransport{opts: opts}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prepare != nil {
		b.prepare(f)
	}
	b.transports = append(b.transports, f)
	return f
}

func (b *fakeBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transports)
}

func (b *fakeBroker) last() *fakeTransport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	cfg := config.DefaultMQTTConfig()
	cfg.Broker.ClientID = "realtime-test"
	cfg.Session.ConnectTimeout = 2 * time.Second
	cfg.Reconnect.MaxAttempts = 3
	cfg.Reconnect.InitialDelay = 0
	return cfg
}

// newTestClient returns a client wired to a fake broker.
func newTestClient(t *testing.T, mutate func(*config.MQTTConfig)) (*Client, *fakeBroker) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	broker := &fakeBroker{}
	c.newTransport = broker.factory
	return c, broker
}

// connectedClient returns a client already connected to a fake broker.
func connectedClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()

	c, broker := newTestClient(t, nil)
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c, broker.last()
}

// statusRecorder collects status transitions.
type statusRecorder struct {
	mu  sync.Mutex
	got []Status
}

func recordStatuses(c *Client) *statusRecorder {
	r := &statusRecorder{}
	c.OnStatusChange(func(current, _ Status) {
		r.mu.Lock()
		r.got = append(r.got, current)
		r.mu.Unlock()
	})
	return r
}

func (r *statusRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.got...)
}

// reportRecorder is an ErrorReporter that remembers reports.
type reportRecorder struct {
	mu      sync.Mutex
	reports []recordedReport
}

type recordedReport struct {
	err      error
	severity string
	category string
}

func (r *reportRecorder) Report(err error, severity, category string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, recordedReport{err: err, severity: severity, category: category})
}

func (r *reportRecorder) all() []recordedReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedReport(nil), r.reports...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitWithin(t, 2*time.Second, what, cond)
}

func waitWithin(t *testing.T, limit time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalStatuses(a, b []Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
