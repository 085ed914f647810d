package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/mqtt"
)

// Channels a dashboard can subscribe to.
const (
	ChannelDeviceData   = "device.data"
	ChannelDeviceStatus = "device.status"
)

// Frame types on the dashboard socket.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameAck         = "ack"
	FrameEvent       = "event"
	FrameError       = "error"
)

const (
	dashboardQueueSize = 256
	dashboardMaxFrame  = 4096
	dashboardPingEvery = 30 * time.Second
	dashboardWriteWait = 10 * time.Second
)

// Frame is one JSON message on the dashboard socket.
//
// Dashboards send subscribe/unsubscribe with Channels and optionally Devices,
// and ping. The relay answers with ack (carrying the resulting subscription),
// pong or error, and pushes event frames carrying a decoded device record in
// Data.
type Frame struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Channels  []string  `json:"channels,omitempty"`
	Devices   []string  `json:"devices,omitempty"`
	Error     string    `json:"error,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// channelSet is a bit set of relay channels.
type channelSet uint8

const (
	channelData channelSet = 1 << iota
	channelStatus
)

var channelsByName = map[string]channelSet{
	ChannelDeviceData:   channelData,
	ChannelDeviceStatus: channelStatus,
}

func parseChannels(names []string) (channelSet, error) {
	var set channelSet
	for _, name := range names {
		ch, ok := channelsByName[name]
		if !ok {
			return 0, fmt.Errorf("unknown channel %q", name)
		}
		set |= ch
	}
	return set, nil
}

func (s channelSet) names() []string {
	var out []string
	if s&channelData != 0 {
		out = append(out, ChannelDeviceData)
	}
	if s&channelStatus != 0 {
		out = append(out, ChannelDeviceStatus)
	}
	return out
}

// Hub relays decoded device records to connected dashboards.
//
// Each dashboard chooses channels and, optionally, a set of device ids.
// Events are encoded once and queued per dashboard; a dashboard whose queue
// is full misses the event and the drop is counted.
type Hub struct {
	logger  *logging.Logger
	dropped atomic.Uint64

	mu         sync.RWMutex
	dashboards map[*dashboard]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:     logger,
		dashboards: make(map[*dashboard]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every dashboard.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	all := h.dashboards
	h.dashboards = make(map[*dashboard]struct{})
	h.mu.Unlock()

	for d := range all {
		d.close()
	}
}

// RelayDeviceData pushes a data point to dashboards on ChannelDeviceData.
func (h *Hub) RelayDeviceData(p mqtt.DeviceDataPoint) {
	h.publish(channelData, ChannelDeviceData, p.DeviceID, p.Timestamp, p)
}

// RelayDeviceStatus pushes a status update to dashboards on ChannelDeviceStatus.
func (h *Hub) RelayDeviceStatus(u mqtt.DeviceStatusUpdate) {
	h.publish(channelStatus, ChannelDeviceStatus, u.DeviceID, u.LastSeen, u)
}

// ClientCount returns the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.dashboards)
}

// Dropped returns how many events were discarded for slow dashboards.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) publish(ch channelSet, channel, deviceID string, ts time.Time, record any) {
	h.mu.RLock()
	targets := make([]*dashboard, 0, len(h.dashboards))
	for d := range h.dashboards {
		if d.wants(ch, deviceID) {
			targets = append(targets, d)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(Frame{
		Type:      FrameEvent,
		Channel:   channel,
		DeviceID:  deviceID,
		Timestamp: ts,
		Data:      record,
	})
	if err != nil {
		h.logger.Error("encoding relay event", "channel", channel, "device_id", deviceID, "error", err)
		return
	}

	for _, d := range targets {
		if !d.offer(data) {
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) add(d *dashboard) {
	h.mu.Lock()
	h.dashboards[d] = struct{}{}
	n := len(h.dashboards)
	h.mu.Unlock()
	h.logger.Debug("dashboard connected", "dashboards", n)
}

func (h *Hub) remove(d *dashboard) {
	h.mu.Lock()
	delete(h.dashboards, d)
	n := len(h.dashboards)
	h.mu.Unlock()

	d.close()
	h.logger.Debug("dashboard disconnected", "dashboards", n)
}

// dashboard is one connected WebSocket client of the relay.
type dashboard struct {
	conn  *websocket.Conn
	queue chan []byte

	mu       sync.Mutex
	closed   bool
	channels channelSet
	devices  map[string]struct{} // empty: every device
}

func newDashboard(conn *websocket.Conn) *dashboard {
	return &dashboard{
		conn:    conn,
		queue:   make(chan []byte, dashboardQueueSize),
		devices: make(map[string]struct{}),
	}
}

func (d *dashboard) wants(ch channelSet, deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.channels&ch == 0 {
		return false
	}
	if len(d.devices) == 0 {
		return true
	}
	_, ok := d.devices[deviceID]
	return ok
}

// offer queues data without blocking. It reports false when the queue is
// full; a closed dashboard accepts and discards.
func (d *dashboard) offer(data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return true
	}
	select {
	case d.queue <- data:
		return true
	default:
		return false
	}
}

// close ends the write loop, which sends a close frame and closes the
// connection. Safe to call more than once.
func (d *dashboard) close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// update applies a subscribe or unsubscribe frame and returns the ack.
// Devices in a subscribe narrow the filter; in an unsubscribe they are
// removed from it.
func (d *dashboard) update(f Frame) (Frame, error) {
	set, err := parseChannels(f.Channels)
	if err != nil {
		return Frame{}, err
	}
	if set == 0 && len(f.Devices) == 0 {
		return Frame{}, fmt.Errorf("%s needs channels or devices", f.Type)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range f.Devices {
		if f.Type == FrameSubscribe {
			d.devices[id] = struct{}{}
		} else {
			delete(d.devices, id)
		}
	}
	if f.Type == FrameSubscribe {
		d.channels |= set
	} else {
		d.channels &^= set
	}

	ack := Frame{Type: FrameAck, ID: f.ID, Channels: d.channels.names()}
	for id := range d.devices {
		ack.Devices = append(ack.Devices, id)
	}
	slices.Sort(ack.Devices)
	return ack, nil
}

// reply marshals f and queues it.
func (d *dashboard) reply(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	d.offer(data)
}

// handle processes one inbound frame.
func (d *dashboard) handle(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		d.reply(Frame{Type: FrameError, Error: "invalid JSON frame"})
		return
	}

	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe:
		ack, err := d.update(f)
		if err != nil {
			d.reply(Frame{Type: FrameError, ID: f.ID, Error: err.Error()})
			return
		}
		d.reply(ack)
	case FramePing:
		d.reply(Frame{Type: FramePong, ID: f.ID, Timestamp: time.Now().UTC()})
	default:
		d.reply(Frame{Type: FrameError, ID: f.ID, Error: "unknown frame type: " + f.Type})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The status surface binds to a private address.
		return true
	},
}

// handleWebSocket upgrades GET /api/v1/ws to a dashboard relay connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	d := newDashboard(conn)
	s.hub.add(d)

	go d.writeLoop()
	go s.readDashboard(d)
}

// readDashboard reads frames until the connection fails, then unregisters d.
func (s *Server) readDashboard(d *dashboard) {
	defer s.hub.remove(d)

	deadline := func() error {
		return d.conn.SetReadDeadline(time.Now().Add(dashboardPingEvery + dashboardWriteWait))
	}

	d.conn.SetReadLimit(dashboardMaxFrame)
	//nolint:errcheck // a failed deadline surfaces as a read error
	deadline()
	d.conn.SetPongHandler(func(string) error { return deadline() })

	for {
		_, raw, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("dashboard read failed", "error", err)
			}
			return
		}
		//nolint:errcheck // a failed deadline surfaces as a read error
		deadline()
		d.handle(raw)
	}
}

// writeLoop drains the queue and keeps the connection alive with pings.
func (d *dashboard) writeLoop() {
	ticker := time.NewTicker(dashboardPingEvery)
	defer func() {
		ticker.Stop()
		d.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces as a write error
		d.conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
		return d.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-d.queue:
			if !ok {
				//nolint:errcheck // connection is closing
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if write(websocket.TextMessage, data) != nil {
				return
			}
		case <-ticker.C:
			if write(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}
