package mqtt

import (
	"fmt"
	"sort"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// Subscribe asks the broker for messages on the specified topic at the
// configured QoS. Matching messages arrive on Messages().
//
// Subscribe does not wait for the broker. If the broker later refuses or
// fails to acknowledge the subscription, the topic is no longer tracked and
// onError (which may be nil) receives an error wrapping ErrSubscribeFailed.
//
// Parameters:
//   - topic: The topic pattern to subscribe to
//   - onError: Callback for asynchronous failure (called at most once)
//
// Returns:
//   - error: Validation failure or ErrNotConnected
//
// Example:
//
//	err := client.Subscribe("webthings/lamp1/properties/on/set", func(err error) {
//	    log.Printf("subscribe failed: %v", err)
//	})
func (c *Client) Subscribe(topic string, onError func(error)) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	c.subscriptions[topic] = struct{}{}
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, byte(c.cfg.QoS), c.handleMessage)
	go c.awaitSubscribe(token, topic, onError)

	return nil
}

// awaitSubscribe waits for the SUBACK and reports transport errors, timeouts
// and broker refusals.
func (c *Client) awaitSubscribe(token pahomqtt.Token, topic string, onError func(error)) {
	select {
	case <-token.Done():
	case <-time.After(defaultPublishTimeout):
		c.failSubscription(topic, fmt.Errorf("%w: timeout after %v", ErrTimeout, defaultPublishTimeout), onError)
		return
	case <-c.done:
		return
	}

	if err := token.Error(); err != nil {
		c.failSubscription(topic, err, onError)
		return
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code >= subackFailure {
			c.failSubscription(topic, fmt.Errorf("broker refused (code 0x%02x)", code), onError)
		}
	}
}

func (c *Client) failSubscription(topic string, cause error, onError func(error)) {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	err := fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, cause)
	if onError != nil {
		onError(err)
		return
	}
	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT subscribe failed", "topic", topic, "error", err)
	}
}

// Unsubscribe removes a subscription and stops receiving messages for a topic.
//
// Messages already in flight may still be delivered. Broker-side failure is
// logged.
//
// Parameters:
//   - topic: The exact topic pattern that was subscribed to
//
// Returns:
//   - error: Validation failure or ErrNotConnected
func (c *Client) Unsubscribe(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	token := c.client.Unsubscribe(topic)
	go c.awaitToken(token, "unsubscribe", topic, func(err error) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT unsubscribe failed", "topic", topic,
				"error", fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err))
		}
	})

	return nil
}

// SubscriptionCount returns the number of tracked subscriptions.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription checks if a subscription exists for the given topic.
//
// Note: This checks only the exact topic string, not pattern matching.
func (c *Client) HasSubscription(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, exists := c.subscriptions[topic]
	return exists
}

// Subscriptions returns the tracked topics in sorted order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	topics := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
