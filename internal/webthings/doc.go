// Package webthings is the device-side adapter of the bridge: a client for a
// WebThings gateway.
//
// It hides device discovery and per-device event subscription behind one
// Connect call and presents every device-side change as a single ordered
// notification stream.
//
// # Transport
//
//   - REST (Bearer token): list and describe things, read/write properties,
//     request actions
//   - WebSocket (/things, jwt query parameter): multiplexed notification
//     stream for all things, plus addEventSubscription requests
//
// # Failure Semantics
//
// The client does not reconnect. When the WebSocket drops, Done() is closed
// and Err() reports why; the caller is expected to Connect again.
//
// # Usage
//
//	client, err := webthings.Connect(ctx, cfg.WebThings, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	for n := range client.Notifications() {
//	    fmt.Println(n.Kind, n.DeviceID, n.Name)
//	}
package webthings
