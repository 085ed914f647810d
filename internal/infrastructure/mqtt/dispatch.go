package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// statusCacheKeyPrefix namespaces device status entries in the cache.
const statusCacheKeyPrefix = "mqtt:device-status:"

// handleMessage is paho's default publish handler. Every subscription is
// made without a per-filter callback, so all messages arrive here.
func (c *Client) handleMessage(epoch uint64, msg pahomqtt.Message) {
	c.mu.Lock()
	stale := epoch != c.epoch
	c.mu.Unlock()
	if stale {
		return
	}

	c.dispatch(msg.Topic(), msg.Payload(), Metadata{
		QoS:        msg.Qos(),
		Retained:   msg.Retained(),
		Duplicate:  msg.Duplicate(),
		MessageID:  msg.MessageID(),
		ReceivedAt: c.now(),
	})
}

// dispatch delivers one message: first to the handlers registered for the
// exact topic, then, for device topics, to the device decoder.
func (c *Client) dispatch(topic string, payload []byte, meta Metadata) {
	for _, h := range c.routes.handlers(topic) {
		c.invoke(h, topic, payload, meta)
	}

	deviceID, kind, ok := parseDeviceTopic(topic)
	if !ok {
		return
	}

	switch kind {
	case kindData:
		c.dispatchDeviceData(deviceID, topic, payload, meta)
	case kindStatus:
		c.dispatchDeviceStatus(deviceID, topic, payload, meta)
	}
}

// invoke runs one handler. Errors and panics stay with that handler.
func (c *Client) invoke(h *Handler, topic string, payload []byte, meta Metadata) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("MQTT handler panic recovered",
				"topic", topic,
				"panic", r,
			)
			c.report(fmt.Errorf("mqtt: handler panic: %v", r), severityHigh, map[string]any{"topic": topic})
		}
	}()

	if err := h.fn(topic, payload, meta); err != nil {
		c.log().Warn("MQTT handler returned error",
			"topic", topic,
			"error", err,
		)
		c.report(err, severityMedium, map[string]any{"topic": topic})
	}
}

func (c *Client) dispatchDeviceData(deviceID, topic string, payload []byte, meta Metadata) {
	handlers := c.devices.dataHandlers(deviceID)
	if len(handlers) == 0 {
		return
	}

	point, err := DecodeDeviceData(deviceID, payload, meta.ReceivedAt)
	if err != nil {
		c.dropPayload(topic, err)
		return
	}

	for _, fn := range handlers {
		c.safeCall("device data handler", func() { fn(point) })
	}
}

func (c *Client) dispatchDeviceStatus(deviceID, topic string, payload []byte, meta Metadata) {
	handlers := c.devices.statusHandlers(deviceID)
	cache, ttl := c.statusCache()
	if len(handlers) == 0 && cache == nil {
		return
	}

	update, err := DecodeDeviceStatus(deviceID, payload, meta.ReceivedAt)
	if err != nil {
		c.dropPayload(topic, err)
		return
	}

	if cache != nil {
		cache.Set(statusCacheKeyPrefix+deviceID, update, ttl)
	}

	for _, fn := range handlers {
		c.safeCall("device status handler", func() { fn(update) })
	}
}

// dropPayload logs and reports a device message that could not be decoded.
func (c *Client) dropPayload(topic string, err error) {
	c.log().Warn("dropping malformed device message",
		"topic", topic,
		"error", err,
	)
	c.report(err, severityLow, map[string]any{"topic": topic})
}

func (c *Client) statusCache() (Cache, time.Duration) {
	c.depMu.RLock()
	defer c.depMu.RUnlock()
	return c.cache, c.cacheTTL
}

// LastDeviceStatus returns the most recent status update received for
// deviceID while a status cache is set, if it has not expired.
func (c *Client) LastDeviceStatus(deviceID string) (DeviceStatusUpdate, bool) {
	cache, _ := c.statusCache()
	if cache == nil {
		return DeviceStatusUpdate{}, false
	}
	v, ok := cache.Get(statusCacheKeyPrefix + deviceID)
	if !ok {
		return DeviceStatusUpdate{}, false
	}
	update, ok := v.(DeviceStatusUpdate)
	return update, ok
}
