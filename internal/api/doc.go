// Package api implements the read-only status API of the WebThings MQTT bridge.
//
// Endpoints:
//   - GET /api/v1/health        connection state of both sides (503 unless both are connected)
//   - GET /api/v1/metrics       bridge counters and Go runtime statistics
//   - GET /api/v1/subscriptions installed MQTT command topics, sorted
//
// The API never changes bridge state. It is disabled unless api.enabled is
// set; the bridge runs the same either way.
//
// Requests carry an X-Request-ID header. A client supplied value is echoed
// back; otherwise a UUID is generated.
package api
