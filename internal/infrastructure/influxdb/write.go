package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Property telemetry schema.
const (
	// propertyMeasurement is the measurement every property value is written to.
	propertyMeasurement = "property_values"

	tagDeviceID = "device_id"
	tagProperty = "property"

	// Each JSON scalar type has its own field.
	fieldValue = "value" // numbers
	fieldState = "state" // booleans
	fieldText  = "text"  // strings
)

// WritePropertyValue records a reported property value.
//
// JSON numbers, booleans and strings are written; null, objects and arrays
// are skipped. The write is non-blocking; data is batched and sent
// asynchronously.
//
// Parameters:
//   - deviceID: Device identifier (e.g., "lamp1")
//   - property: Property name (e.g., "brightness")
//   - value: The property value as JSON
//
// Example:
//
//	client.WritePropertyValue("lamp1", "brightness", json.RawMessage("42"))
//	client.WritePropertyValue("door", "open", json.RawMessage("true"))
func (c *Client) WritePropertyValue(deviceID, property string, value json.RawMessage) {
	if !c.IsConnected() {
		return
	}

	point, ok := propertyPoint(deviceID, property, value, time.Now())
	if !ok {
		return
	}
	c.writeAPI.WritePoint(point)
}

// propertyPoint builds the point for a property value. It returns false for
// values that have no scalar field.
func propertyPoint(deviceID, property string, value json.RawMessage, ts time.Time) (*write.Point, bool) {
	fields, ok := propertyFields(value)
	if !ok {
		return nil, false
	}

	return write.NewPoint(
		propertyMeasurement,
		map[string]string{
			tagDeviceID: deviceID,
			tagProperty: property,
		},
		fields,
		ts,
	), true
}

// propertyFields maps a JSON scalar onto its field.
func propertyFields(value json.RawMessage) (map[string]interface{}, bool) {
	if len(value) == 0 {
		return nil, false
	}

	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return nil, false
	}

	switch x := v.(type) {
	case float64:
		return map[string]interface{}{fieldValue: x}, true
	case bool:
		return map[string]interface{}{fieldState: x}, true
	case string:
		return map[string]interface{}{fieldText: x}, true
	default:
		return nil, false
	}
}
