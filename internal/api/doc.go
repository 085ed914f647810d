// Package api implements the read-only HTTP status surface of the real-time
// service.
//
// This package provides:
//   - Health endpoint aggregating the MQTT and streaming client checks
//   - MQTT client statistics (status, subscriptions, reconnect attempts)
//   - Streaming client status
//   - Runtime metrics
//   - WebSocket relay of decoded device records to dashboards
//   - Middleware stack (request ID, logging, recovery)
//
// # Endpoints
//
//	GET /api/v1/health         200 when every component is healthy, 503 otherwise
//	GET /api/v1/mqtt/stats     mqtt.Stats
//	GET /api/v1/stream/status  stream.Stats, 404 when the stream client is disabled
//	GET /api/v1/metrics        runtime and connection metrics
//	GET /api/v1/ws             WebSocket feed of device events
//
// # Dashboard relay
//
// Frames on /api/v1/ws are JSON objects with a "type" field:
//
//	-> {"type":"subscribe","id":"1","channels":["device.data"],"devices":["boiler-1"]}
//	<- {"type":"ack","id":"1","channels":["device.data"],"devices":["boiler-1"]}
//	<- {"type":"event","channel":"device.data","deviceId":"boiler-1","timestamp":"...","data":{...}}
//	-> {"type":"ping","id":"2"}
//	<- {"type":"pong","id":"2","timestamp":"..."}
//
// Channels are device.data and device.status. An empty device filter
// matches every device.
//
// The server never writes to the broker. It only reports what the clients
// already know.
package api
