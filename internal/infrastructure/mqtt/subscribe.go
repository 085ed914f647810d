package mqtt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// subackFailure is the SUBACK return code for a rejected filter.
const subackFailure = 0x80

// SubscribeOptions are per-call subscribe settings.
// A nil *SubscribeOptions uses the configured default QoS.
type SubscribeOptions struct {
	QoS byte
}

// Subscribe subscribes to one or more topic filters and registers h for each.
//
// All filters are sent in a single SUBSCRIBE packet. Nothing is recorded
// until the broker acknowledges it; a rejected filter fails the whole call.
//
// Topics can include MQTT wildcards:
//   - + (single-level): "devices/+/data" matches every device
//   - # (multi-level): "devices/#" matches all device topics
//
// Handlers are looked up by the exact subscribed string, so a handler
// registered on a wildcard filter only receives messages whose topic equals
// that filter. Use OnDeviceData and OnDeviceStatus for device fan-out.
//
// Registering the same *Handler twice on a topic is a no-op: it is called
// once per message.
//
// Parameters:
//   - ctx: Bounds the wait for the SUBACK
//   - topics: Filters to subscribe to
//   - h: Handler to register, or nil to only subscribe
//   - opts: Subscribe options, or nil for defaults
//
// Returns:
//   - error: ErrNotConnected, ErrInvalidTopic, ErrInvalidQoS, or ErrSubscribeFailed (wrapped)
//
// Example:
//
//	h := mqtt.NewHandler(func(topic string, payload []byte, _ mqtt.Metadata) error {
//	    log.Printf("Received: %s = %s", topic, payload)
//	    return nil
//	})
//	err := client.Subscribe(ctx, []string{"alerts/fire"}, h, nil)
func (c *Client) Subscribe(ctx context.Context, topics []string, h *Handler, opts *SubscribeOptions) error {
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics given", ErrInvalidTopic)
	}
	for _, topic := range topics {
		if err := validateFilter(topic); err != nil {
			return err
		}
	}

	qos := byte(c.cfg.QoS)
	if opts != nil {
		qos = opts.QoS
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	transport, epoch, err := c.connectedTransport()
	if err != nil {
		return err
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = qos
	}

	token := transport.SubscribeMultiple(filters, nil)
	if err := waitToken(ctx, token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	if err := subackError(token); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	c.mu.Lock()
	if epoch != c.epoch {
		// Disconnected while waiting; the subscription died with the connection.
		c.mu.Unlock()
		return ErrNotConnected
	}
	for topic, q := range filters {
		c.subscribed[topic] = q
	}
	if h != nil {
		for _, topic := range topics {
			c.routes.add(topic, h)
		}
	}
	c.mu.Unlock()

	c.log().Debug("subscribed", "topics", topics, "qos", qos)
	return nil
}

// Unsubscribe removes handlers from one or more topics.
//
// With h set, only h is removed and the other handlers of each topic keep
// receiving messages. With h nil, every handler of each topic is removed.
// A topic left without handlers is unsubscribed at the broker when the
// client is connected. Unknown topics are not an error.
//
// Returns:
//   - error: ErrInvalidTopic, or ErrUnsubscribeFailed (wrapped) if the broker
//     request fails; local bookkeeping is updated either way
func (c *Client) Unsubscribe(ctx context.Context, topics []string, h *Handler) error {
	for _, topic := range topics {
		if topic == "" {
			return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
		}
	}

	var drop []string
	c.mu.Lock()
	for _, topic := range topics {
		if h != nil {
			removed, empty := c.routes.remove(topic, h)
			if !removed || !empty {
				continue
			}
		} else {
			c.routes.clear(topic)
		}
		if _, ok := c.subscribed[topic]; ok {
			delete(c.subscribed, topic)
			drop = append(drop, topic)
		}
	}
	c.mu.Unlock()

	if len(drop) == 0 {
		return nil
	}

	transport, _, err := c.connectedTransport()
	if err != nil {
		// The broker drops our filters with the session.
		return nil
	}

	token := transport.Unsubscribe(drop...)
	if err := waitToken(ctx, token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}

	c.log().Debug("unsubscribed", "topics", drop)
	return nil
}

// SubscribeToDeviceData registers fn for readings from one device and
// subscribes to that device's data topic.
//
// The returned func removes fn. The broker subscription is kept; use
// Unsubscribe to drop it.
func (c *Client) SubscribeToDeviceData(ctx context.Context, deviceID string, fn DeviceDataHandler) (func(), error) {
	if !validDeviceID(deviceID) {
		return nil, fmt.Errorf("%w: device id %q", ErrInvalidTopic, deviceID)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	remove := c.devices.addData(deviceID, fn)
	if err := c.Subscribe(ctx, []string{Topics{}.DeviceData(deviceID)}, nil, nil); err != nil {
		remove()
		return nil, err
	}
	return remove, nil
}

// SubscribeToDeviceStatus registers fn for status updates from one device
// and subscribes to that device's status topic.
//
// The returned func removes fn. The broker subscription is kept; use
// Unsubscribe to drop it.
func (c *Client) SubscribeToDeviceStatus(ctx context.Context, deviceID string, fn DeviceStatusHandler) (func(), error) {
	if !validDeviceID(deviceID) {
		return nil, fmt.Errorf("%w: device id %q", ErrInvalidTopic, deviceID)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}

	remove := c.devices.addStatus(deviceID, fn)
	if err := c.Subscribe(ctx, []string{Topics{}.DeviceStatus(deviceID)}, nil, nil); err != nil {
		remove()
		return nil, err
	}
	return remove, nil
}

// SubscribeToAllDevices subscribes to the data and status topics of every
// device in one request. Decoded records go to OnDeviceData and
// OnDeviceStatus callbacks.
func (c *Client) SubscribeToAllDevices(ctx context.Context) error {
	topics := Topics{}
	return c.Subscribe(ctx, []string{topics.AllDeviceData(), topics.AllDeviceStatus()}, nil, nil)
}

// OnDeviceData registers fn for readings from every device and returns a
// func that removes it. It does not subscribe; see SubscribeToAllDevices.
func (c *Client) OnDeviceData(fn DeviceDataHandler) func() {
	return c.devices.allData.add(fn)
}

// OnDeviceStatus registers fn for status updates from every device and
// returns a func that removes it. It does not subscribe; see SubscribeToAllDevices.
func (c *Client) OnDeviceStatus(fn DeviceStatusHandler) func() {
	return c.devices.allStatus.add(fn)
}

// SubscriptionCount returns the number of subscribed filters.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed)
}

// HasSubscription checks if a subscription exists for the given filter.
//
// Note: This checks only the exact filter string, not pattern matching.
func (c *Client) HasSubscription(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.subscribed[topic]
	return exists
}

// subscribeResult is implemented by *pahomqtt.SubscribeToken.
type subscribeResult interface {
	Result() map[string]byte
}

// subackError reports filters the broker refused in a SUBACK.
func subackError(token pahomqtt.Token) error {
	st, ok := token.(subscribeResult)
	if !ok {
		return nil
	}

	var rejected []string
	for topic, code := range st.Result() {
		if code == subackFailure {
			rejected = append(rejected, topic)
		}
	}
	if len(rejected) == 0 {
		return nil
	}

	sort.Strings(rejected)
	return fmt.Errorf("broker rejected %s", strings.Join(rejected, ", "))
}
