// Package config handles loading and validating the real-time service configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of broker, stream, cache and API parameters
//   - Default value handling
//
// MQTTConfig doubles as the connection configuration of the MQTT client:
// mqtt.New validates it and keeps a private copy, so a client never sees
// later edits to the caller's value.
//
// Security Considerations:
//   - Broker credentials should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.BrokerAddress())
package config
