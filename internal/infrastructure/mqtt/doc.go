// Package mqtt provides the broker side of the WebThings MQTT bridge.
//
// This package manages:
//   - A single connection attempt per session (no auto-reconnect)
//   - Non-blocking publishing at the configured QoS
//   - Topic subscriptions with asynchronous failure reporting
//   - One ordered inbound message stream for all subscriptions
//   - Last Will and Testament (LWT) on the bridge status topic
//
// # Session Model
//
// A Client is one broker session. Connection loss closes Done() and is
// never healed here; the bridge's connection state machine dials a new
// Client after its retry delay. Clean sessions are used, so a new Client
// starts with no subscriptions.
//
//	Bridge ↔ mqtt.Client ↔ MQTT Broker
//
// # Security Considerations
//
//   - Use ssl://, tls://, mqtts:// or wss:// for anything beyond localhost
//   - Credentials are only sent when a username is configured
//   - Message payloads are not encrypted beyond TLS transport
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	_ = client.Subscribe("webthings/lamp1/properties/on/set", func(err error) {
//	    logger.Warn("subscribe failed", "error", err)
//	})
//
//	for {
//	    select {
//	    case msg := <-client.Messages():
//	        fmt.Println(msg.Topic, string(msg.Payload))
//	    case <-client.Done():
//	        return client.Err()
//	    }
//	}
package mqtt
