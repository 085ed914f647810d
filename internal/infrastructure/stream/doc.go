// Package stream provides the companion WebSocket client of the real-time
// service.
//
// The client keeps one persistent connection to a streaming endpoint and
// tracks it through four states:
//
//	connecting → open → closing → closed
//
// Every text frame received is parsed as JSON and handed to all handlers
// registered with OnMessage. While open, a heartbeat frame is sent on a
// fixed interval:
//
//	{"type":"ping","timestamp":1718000000000}
//
// When the connection ends without a close handshake the client reconnects
// after ReconnectDelay × 2^attempt, up to MaxReconnectAttempts times. The
// attempt counter resets whenever a connection opens. Disconnect performs a
// clean close and never triggers a reconnect.
//
// # Usage
//
//	client, err := stream.New(cfg.Stream)
//	if err != nil {
//	    return err
//	}
//	client.SetLogger(logger)
//	remove := client.OnMessage(func(msg json.RawMessage) {
//	    logger.Debug("stream message", "payload", string(msg))
//	})
//	defer remove()
//
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Disconnect()
package stream
