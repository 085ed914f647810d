package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/stream"
)

type fakeMQTT struct {
	stats mqtt.Stats
	err   error
}

func (f *fakeMQTT) Stats() mqtt.Stats                   { return f.stats }
func (f *fakeMQTT) HealthCheck(_ context.Context) error { return f.err }

type fakeStream struct {
	stats stream.Stats
	err   error
}

func (f *fakeStream) Stats() stream.Stats                 { return f.stats }
func (f *fakeStream) HealthCheck(_ context.Context) error { return f.err }

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// testServer creates a Server with healthy fake clients.
func testServer(t *testing.T) (*Server, *fakeMQTT, *fakeStream) {
	t.Helper()

	m := &fakeMQTT{stats: mqtt.Stats{
		Status:            mqtt.StatusConnected,
		SubscriptionCount: 2,
		Topics:            []string{"devices/+/data", "devices/+/status"},
		ClientID:          "realtime-test",
	}}
	st := &fakeStream{stats: stream.Stats{URL: "ws://localhost/stream", Status: stream.StatusOpen}}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Logger:  testLogger(),
		MQTT:    m,
		Stream:  st,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, m, st
}

func serve(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresLogger(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger error = nil")
	}
}

// ─── Health Tests ──────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		mqttErr    error
		streamErr  error
		noStream   bool
		wantCode   int
		wantStatus string
		wantStream string
	}{
		{
			name:       "all healthy",
			wantCode:   http.StatusOK,
			wantStatus: healthOK,
			wantStream: healthOK,
		},
		{
			name:       "mqtt down",
			mqttErr:    mqtt.ErrNotConnected,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthDegraded,
			wantStream: healthOK,
		},
		{
			name:       "stream down",
			streamErr:  stream.ErrNotOpen,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthDegraded,
			wantStream: stream.ErrNotOpen.Error(),
		},
		{
			name:       "stream disabled",
			noStream:   true,
			wantCode:   http.StatusOK,
			wantStatus: healthOK,
			wantStream: healthDisabled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, m, st := testServer(t)
			m.err = tt.mqttErr
			st.err = tt.streamErr
			if tt.noStream {
				srv.stream = nil
			}

			w := serve(t, srv, "/api/v1/health")
			if w.Code != tt.wantCode {
				t.Errorf("health status = %d, want %d", w.Code, tt.wantCode)
			}

			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Version != "test" {
				t.Errorf("version = %q, want test", resp.Version)
			}
			if resp.Components["stream"] != tt.wantStream {
				t.Errorf("stream component = %q, want %q", resp.Components["stream"], tt.wantStream)
			}
		})
	}
}

func TestHealth_ContentType(t *testing.T) {
	srv, _, _ := testServer(t)
	w := serve(t, srv, "/api/v1/health")

	ct := w.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

// ─── Status Tests ──────────────────────────────────────────────────

func TestMQTTStats(t *testing.T) {
	srv, _, _ := testServer(t)
	w := serve(t, srv, "/api/v1/mqtt/stats")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got mqtt.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != mqtt.StatusConnected || got.SubscriptionCount != 2 || got.ClientID != "realtime-test" {
		t.Errorf("stats = %+v", got)
	}
}

func TestMQTTStats_NotConfigured(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.mqtt = nil

	w := serve(t, srv, "/api/v1/mqtt/stats")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestStreamStatus(t *testing.T) {
	srv, _, st := testServer(t)
	st.stats.ReconnectAttempts = 1
	st.stats.LastError = "stream: dial failed"

	w := serve(t, srv, "/api/v1/stream/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got stream.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != stream.StatusOpen || got.ReconnectAttempts != 1 || got.LastError == "" {
		t.Errorf("stats = %+v", got)
	}
}

func TestStreamStatus_Disabled(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.stream = nil

	w := serve(t, srv, "/api/v1/stream/status")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var resp Error
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Code != ErrCodeNotFound {
		t.Errorf("code = %q, want %q", resp.Code, ErrCodeNotFound)
	}
}

func TestMetrics(t *testing.T) {
	srv, _, _ := testServer(t)
	w := serve(t, srv, "/api/v1/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var got SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MQTT == nil || !got.MQTT.Connected || got.MQTT.Subscriptions != 2 {
		t.Errorf("mqtt metrics = %+v", got.MQTT)
	}
	if got.Stream == nil || !got.Stream.Open {
		t.Errorf("stream metrics = %+v", got.Stream)
	}
	if got.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines = 0")
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t)
	w := serve(t, srv, "/api/v1/health")

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestRequestID_InContext(t *testing.T) {
	srv, _, _ := testServer(t)

	var seen string
	h := srv.requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" || seen != w.Header().Get("X-Request-ID") {
		t.Errorf("context id = %q, header = %q, want equal and non-empty", seen, w.Header().Get("X-Request-ID"))
	}
}

func TestRecovery(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	w := serve(t, srv, "/api/v1/nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.HealthCheck(t.Context()); err == nil {
		t.Error("HealthCheck() before Start error = nil")
	}

	if err := srv.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	if err := srv.HealthCheck(t.Context()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first, _, _ := testServer(t)
	if err := first.Start(t.Context()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { first.Close() })

	_, port, _ := strings.Cut(first.Addr(), ":")
	second, _, _ := testServer(t)
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("port %q: %v", port, err)
	}
	second.cfg.Port = n

	if err := second.Start(t.Context()); err == nil {
		second.Close()
		t.Error("Start() on used port error = nil")
	}
}

// ─── Dashboard Relay Tests ─────────────────────────────────────────

func TestParseChannels(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    channelSet
		wantErr bool
	}{
		{"none", nil, 0, false},
		{"data", []string{ChannelDeviceData}, channelData, false},
		{"both", []string{ChannelDeviceStatus, ChannelDeviceData}, channelData | channelStatus, false},
		{"duplicate", []string{ChannelDeviceData, ChannelDeviceData}, channelData, false},
		{"unknown", []string{ChannelDeviceData, "scenes"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChannels(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseChannels() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseChannels() = %b, want %b", got, tt.want)
			}
		})
	}
}

func TestDashboard_Update(t *testing.T) {
	d := newDashboard(nil)

	ack, err := d.update(Frame{Type: FrameSubscribe, ID: "s1", Channels: []string{ChannelDeviceData}, Devices: []string{"d2", "d1"}})
	if err != nil {
		t.Fatalf("subscribe error = %v", err)
	}
	if ack.Type != FrameAck || ack.ID != "s1" {
		t.Errorf("ack = %+v", ack)
	}
	if strings.Join(ack.Channels, ",") != ChannelDeviceData || strings.Join(ack.Devices, ",") != "d1,d2" {
		t.Errorf("ack subscription = %v %v, want [device.data] [d1 d2]", ack.Channels, ack.Devices)
	}

	checks := []struct {
		ch     channelSet
		device string
		want   bool
	}{
		{channelData, "d1", true},
		{channelData, "d3", false},
		{channelStatus, "d1", false},
	}
	for _, c := range checks {
		if got := d.wants(c.ch, c.device); got != c.want {
			t.Errorf("wants(%b, %q) = %v, want %v", c.ch, c.device, got, c.want)
		}
	}

	// Dropping the device filter widens to every device.
	if _, err := d.update(Frame{Type: FrameUnsubscribe, Devices: []string{"d1", "d2"}}); err != nil {
		t.Fatalf("unsubscribe devices error = %v", err)
	}
	if !d.wants(channelData, "d3") {
		t.Error("empty device filter should match every device")
	}

	if _, err := d.update(Frame{Type: FrameUnsubscribe, Channels: []string{ChannelDeviceData}}); err != nil {
		t.Fatalf("unsubscribe channel error = %v", err)
	}
	if d.wants(channelData, "d3") {
		t.Error("unsubscribed channel still wanted")
	}

	if _, err := d.update(Frame{Type: FrameSubscribe, Channels: []string{"scenes"}}); err == nil {
		t.Error("subscribe to unknown channel error = nil")
	}
	if _, err := d.update(Frame{Type: FrameSubscribe}); err == nil {
		t.Error("empty subscribe error = nil")
	}
}

func subscribedDashboard(t *testing.T, hub *Hub, f Frame) *dashboard {
	t.Helper()

	d := newDashboard(nil)
	f.Type = FrameSubscribe
	if _, err := d.update(f); err != nil {
		t.Fatalf("update() error = %v", err)
	}
	hub.add(d)
	return d
}

func nextEvent(t *testing.T, d *dashboard) (Frame, bool) {
	t.Helper()

	select {
	case data := <-d.queue:
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return f, true
	case <-time.After(100 * time.Millisecond):
		return Frame{}, false
	}
}

func TestHub_RelaysToSubscribed(t *testing.T) {
	hub := NewHub(testLogger())
	data := subscribedDashboard(t, hub, Frame{Channels: []string{ChannelDeviceData}})
	status := subscribedDashboard(t, hub, Frame{Channels: []string{ChannelDeviceStatus}})

	ts := time.Date(2024, 2, 29, 8, 15, 0, 0, time.UTC)
	hub.RelayDeviceData(mqtt.DeviceDataPoint{DeviceID: "d1", Sensor: "temp", Value: 21.5, Unit: "C", Timestamp: ts})

	f, ok := nextEvent(t, data)
	if !ok {
		t.Fatal("data dashboard got no event")
	}
	if f.Type != FrameEvent || f.Channel != ChannelDeviceData || f.DeviceID != "d1" || !f.Timestamp.Equal(ts) {
		t.Errorf("event = %+v", f)
	}
	if record, _ := f.Data.(map[string]any); record["sensor"] != "temp" {
		t.Errorf("data = %v, want sensor temp", f.Data)
	}

	if _, ok := nextEvent(t, status); ok {
		t.Error("status dashboard received a data event")
	}
}

func TestHub_DeviceFilter(t *testing.T) {
	hub := NewHub(testLogger())
	all := subscribedDashboard(t, hub, Frame{Channels: []string{ChannelDeviceStatus}})
	one := subscribedDashboard(t, hub, Frame{Channels: []string{ChannelDeviceStatus}, Devices: []string{"d2"}})

	hub.RelayDeviceStatus(mqtt.DeviceStatusUpdate{DeviceID: "d1", Status: "online"})

	if _, ok := nextEvent(t, all); !ok {
		t.Error("unfiltered dashboard missed d1")
	}
	if _, ok := nextEvent(t, one); ok {
		t.Error("dashboard filtered to d2 received d1")
	}
}

func TestHub_DropsForFullQueue(t *testing.T) {
	hub := NewHub(testLogger())
	d := &dashboard{
		queue:    make(chan []byte, 1),
		channels: channelData,
		devices:  make(map[string]struct{}),
	}
	hub.add(d)

	hub.RelayDeviceData(mqtt.DeviceDataPoint{DeviceID: "d1"})
	hub.RelayDeviceData(mqtt.DeviceDataPoint{DeviceID: "d1"})

	if got := hub.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	if got := len(d.queue); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub(testLogger())
	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}

	d := newDashboard(nil)
	hub.add(d)
	if hub.ClientCount() != 1 {
		t.Errorf("after add count = %d, want 1", hub.ClientCount())
	}

	hub.remove(d)
	hub.remove(d)
	if hub.ClientCount() != 0 {
		t.Errorf("after remove count = %d, want 0", hub.ClientCount())
	}
	if _, open := <-d.queue; open {
		t.Error("queue still open after remove")
	}

	// Events for a removed dashboard are discarded quietly.
	if !d.offer([]byte("{}")) {
		t.Error("offer() on a closed dashboard = false")
	}
}

func TestHub_RunClosesDashboards(t *testing.T) {
	hub := NewHub(testLogger())
	d := newDashboard(nil)
	hub.add(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d after Run, want 0", hub.ClientCount())
	}
	if _, open := <-d.queue; open {
		t.Error("queue still open after Run")
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()

	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebSocket_SubscribeAndRelay(t *testing.T) {
	srv, _, _ := testServer(t)
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	if err := ws.WriteJSON(Frame{Type: FrameSubscribe, ID: "sub-1", Channels: []string{ChannelDeviceStatus}, Devices: []string{"d7"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if ack := readFrame(t, ws); ack.Type != FrameAck || ack.ID != "sub-1" {
		t.Errorf("ack = %+v, want ack sub-1", ack)
	}
	if srv.Hub().ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", srv.Hub().ClientCount())
	}

	srv.Hub().RelayDeviceStatus(mqtt.DeviceStatusUpdate{DeviceID: "d8", Status: "online"})
	srv.Hub().RelayDeviceStatus(mqtt.DeviceStatusUpdate{DeviceID: "d7", Status: "offline"})

	event := readFrame(t, ws)
	if event.Type != FrameEvent || event.Channel != ChannelDeviceStatus || event.DeviceID != "d7" {
		t.Errorf("event = %+v, want device.status for d7", event)
	}

	if err := ws.WriteJSON(Frame{Type: FramePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if pong := readFrame(t, ws); pong.Type != FramePong || pong.ID != "p1" {
		t.Errorf("pong = %+v", pong)
	}

	if err := ws.WriteJSON(Frame{Type: FrameSubscribe, ID: "sub-2", Channels: []string{"scenes"}}); err != nil {
		t.Fatalf("write bad subscribe: %v", err)
	}
	if f := readFrame(t, ws); f.Type != FrameError || f.ID != "sub-2" || !strings.Contains(f.Error, "scenes") {
		t.Errorf("frame = %+v, want error naming the channel", f)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	if f := readFrame(t, ws); f.Type != FrameError {
		t.Errorf("type = %q, want %q", f.Type, FrameError)
	}
}
