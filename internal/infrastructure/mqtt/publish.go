package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// PublishOptions are per-call publish settings.
// A nil *PublishOptions uses the configured default QoS without retain.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// Publish sends a message to the specified MQTT topic.
//
// Payload encoding:
//   - string, []byte and json.RawMessage are sent as is
//   - anything else is encoded as JSON
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (guaranteed delivery, may duplicate)
//   - 2: Exactly once (guaranteed, no duplicates, higher overhead)
//
// Publish returns once the broker has acknowledged the message as required
// by its QoS.
//
// Parameters:
//   - ctx: Bounds the wait for the acknowledgement
//   - topic: The topic to publish to (no wildcards)
//   - message: The payload (max 1MB once encoded)
//   - opts: Publish options, or nil for defaults
//
// Returns:
//   - error: ErrNotConnected, ErrInvalidTopic, ErrInvalidQoS, or ErrPublishFailed (wrapped)
//
// Example:
//
//	err := client.Publish(ctx, "alerts/fire", map[string]any{"zone": 3}, nil)
func (c *Client) Publish(ctx context.Context, topic string, message any, opts *PublishOptions) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}

	qos := byte(c.cfg.QoS)
	retain := false
	if opts != nil {
		qos = opts.QoS
		retain = opts.Retain
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}

	payload, err := encodePayload(message)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublishFailed, err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	transport, _, err := c.connectedTransport()
	if err != nil {
		return err
	}

	token := transport.Publish(topic, qos, retain, payload)
	if err := waitToken(ctx, token, defaultOperationTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// ControlDevice publishes command to devices/{deviceID}/control with the
// default publish options.
//
// Example:
//
//	err := client.ControlDevice(ctx, "thermostat-1", map[string]any{"setpoint": 21})
func (c *Client) ControlDevice(ctx context.Context, deviceID string, command any) error {
	if !validDeviceID(deviceID) {
		return fmt.Errorf("%w: device id %q", ErrInvalidTopic, deviceID)
	}
	return c.Publish(ctx, Topics{}.DeviceControl(deviceID), command, nil)
}

// encodePayload converts a message to wire bytes.
func encodePayload(message any) ([]byte, error) {
	switch m := message.(type) {
	case string:
		return []byte(m), nil
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	default:
		return json.Marshal(m)
	}
}
