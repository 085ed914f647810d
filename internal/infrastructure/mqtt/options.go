package mqtt

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultOperationTimeout bounds subscribe, unsubscribe and publish
	// acknowledgements when the caller's context has no deadline.
	defaultOperationTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// maxPayloadSize caps outgoing payloads (1MB), matching typical broker limits.
	maxPayloadSize = 1 << 20

	// clientIDPrefix prefixes generated client identifiers.
	clientIDPrefix = "realtime-"

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// generateClientID returns realtime- followed by eight hex characters.
func generateClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return clientIDPrefix + id[:8]
}

// buildClientOptions creates paho MQTT options from the connection config.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID, credentials, keep-alive and protocol version
//   - Auto-reconnect (paho drives the retries; the Client counts them)
//   - Last Will: the configured one, or an offline presence message
//
// Initial connection retry stays off so a failed Connect is reported to
// the caller instead of being retried in the background.
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	// Broker URL
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, cfg.BrokerAddress()))

	opts.SetClientID(clientID)

	// Authentication (if credentials provided)
	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	opts.SetCleanSession(cfg.Session.CleanSession)
	opts.SetProtocolVersion(cfg.Session.ProtocolVersion)
	opts.SetKeepAlive(cfg.Session.KeepAlive)
	opts.SetConnectTimeout(cfg.Session.ConnectTimeout)

	// Connect reports the first failure to its caller. Reconnect.InitialDelay
	// is applied by the Client's OnReconnecting handler.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	if cfg.Reconnect.MaxDelay > 0 {
		opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	}

	// Subscriptions are restored by the Client after every reconnect.
	opts.SetResumeSubs(false)
	opts.SetOrderMatters(true)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	configureLWT(opts, cfg.Will, clientID)

	return opts
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// An explicitly configured will is used as is. Otherwise the broker is asked
// to publish a retained offline message on the client's presence topic if
// the client disappears without a clean disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, will *config.MQTTWillConfig, clientID string) {
	if will != nil {
		opts.SetWill(will.Topic, will.Payload, byte(will.QoS), will.Retain)
		return
	}

	payload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
	opts.SetWill(Topics{}.ClientStatus(clientID), payload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
