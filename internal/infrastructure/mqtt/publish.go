package mqtt

import (
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
// This prevents resource exhaustion and aligns with typical broker limits.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified MQTT topic at the configured QoS.
//
// Publish does not wait for the broker. Delivery is best-effort: a failure
// reported later by the broker is logged, never retried.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "webthings/lamp1/properties/on")
//   - payload: JSON text, or empty for an undefined value (max 1MB)
//
// Returns:
//   - error: Validation failure or ErrNotConnected; nil once handed to paho
func (c *Client) Publish(topic string, payload []byte) error {
	return c.publish(topic, payload, false)
}

// PublishRetained publishes a retained message at the configured QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.publish(topic, payload, true)
}

func (c *Client) publish(topic string, payload []byte, retained bool) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if payload == nil {
		payload = []byte{}
	}
	token := c.client.Publish(topic, byte(c.cfg.QoS), retained, payload)
	go c.awaitToken(token, "publish", topic, nil)

	return nil
}

func validateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	return nil
}

func validateQoS(qos int) error {
	if qos < 0 || qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}
