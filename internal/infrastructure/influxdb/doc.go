// Package influxdb records property telemetry for the WebThings MQTT bridge.
//
// It wraps the official influxdb-client-go v2 library. Every property value
// the gateway reports can be written as a point so that device history is
// available without the bridge keeping state of its own.
//
// # Schema
//
//	measurement: property_values
//	tags:        device_id, property
//	fields:      value (number) | state (boolean) | text (string)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) {
//	    log.Warn("telemetry write failed", "error", err)
//	})
//	client.WritePropertyValue("lamp1", "brightness", json.RawMessage("42"))
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered to a
// callback. Connection and health check errors are returned directly.
package influxdb
