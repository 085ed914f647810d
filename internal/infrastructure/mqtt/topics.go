package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes of the device topic contract.
//
// Devices publish on devices/{id}/data and devices/{id}/status and receive
// commands on devices/{id}/control. Client presence lives under clients/.
const (
	// TopicPrefixDevices is the base for all device topics.
	TopicPrefixDevices = "devices"

	// TopicPrefixClients is the base for client presence topics.
	TopicPrefixClients = "clients"
)

// Device topic kinds (last topic segment).
const (
	kindData    = "data"
	kindStatus  = "status"
	kindControl = "control"
)

// Topics provides builders for the MQTT topics used by the client.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	dataTopic := topics.DeviceData("thermostat-1")
//	// Returns: "devices/thermostat-1/data"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceData returns the topic a device publishes sensor readings on.
//
// Example: devices/thermostat-1/data
func (Topics) DeviceData(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, kindData)
}

// DeviceStatus returns the topic a device publishes status updates on.
//
// Example: devices/thermostat-1/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, kindStatus)
}

// DeviceControl returns the topic a device receives commands on.
//
// Example: devices/thermostat-1/control
func (Topics) DeviceControl(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, kindControl)
}

// =============================================================================
// Client Topics
// =============================================================================

// ClientStatus returns the presence topic of a client.
// Online, offline and Last Will messages are retained here.
//
// Example: clients/realtime-1a2b3c4d/status
func (Topics) ClientStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixClients, clientID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceData returns a pattern matching the data topic of every device.
//
// Pattern: devices/+/data
func (Topics) AllDeviceData() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, kindData)
}

// AllDeviceStatus returns a pattern matching the status topic of every device.
//
// Pattern: devices/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefixDevices, kindStatus)
}

// =============================================================================
// Parsing and validation
// =============================================================================

// parseDeviceTopic splits devices/{id}/{kind} into its device id and kind.
// ok is false for any other shape.
func parseDeviceTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefixDevices || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// validDeviceID reports whether id can be used as a single topic level.
func validDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}

// validateFilter checks a subscription filter: non-empty, and wildcards
// only as whole levels with # last.
func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: %q: '#' must be the last level", ErrInvalidTopic, filter)
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q: wildcards must occupy a whole level", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// validatePublishTopic checks a topic name used for publishing.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: %q: wildcards are not allowed when publishing", ErrInvalidTopic, topic)
	}
	return nil
}
