// Package mqtt provides the MQTT side of the real-time communication layer.
//
// This package manages:
//   - Connection to the broker through an explicit state machine
//   - Bounded automatic reconnection with subscription restoration
//   - Many handlers multiplexed over one broker connection
//   - Decoding of device data and status messages
//   - Online/offline presence and Last Will and Testament (LWT)
//   - Connection health monitoring
//
// # Connection states
//
//	disconnected → connecting → connected
//	connected → reconnecting → connected
//	any → error          (connect failure, reconnect limit reached)
//	any → disconnected   (Disconnect, ForceDisconnect)
//
// Status listeners are called synchronously, in transition order, and only
// when the status actually changes.
//
// # Topic contract
//
//	devices/{id}/data      sensor readings  → DeviceDataPoint
//	devices/{id}/status    device health    → DeviceStatusUpdate
//	devices/{id}/control   commands to the device
//	clients/{id}/status    client presence (retained)
//
// # Security Considerations
//
//   - TLS should be enabled for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.New(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.SetLogger(logger)
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect(context.Background())
//
//	// Readings from one device
//	stop, err := client.SubscribeToDeviceData(ctx, "thermostat-1",
//	    func(p mqtt.DeviceDataPoint) {
//	        log.Printf("%s %s=%v%s", p.DeviceID, p.Sensor, p.Value, p.Unit)
//	    })
//	defer stop()
//
//	// Command a device
//	client.ControlDevice(ctx, "thermostat-1", map[string]any{"setpoint": 21})
package mqtt
