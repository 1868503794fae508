package webthings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Stream timing.
const (
	// pingInterval is how often the client pings the gateway.
	pingInterval = 30 * time.Second

	// pongWait is how long the stream may stay silent before it is considered lost.
	pongWait = 60 * time.Second

	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second
)

// Gateway message types on the multiplexed things stream.
const (
	msgPropertyStatus       = "propertyStatus"
	msgActionStatus         = "actionStatus"
	msgEvent                = "event"
	msgConnected            = "connected"
	msgThingAdded           = "thingAdded"
	msgThingRemoved         = "thingRemoved"
	msgThingModified        = "thingModified"
	msgAddEventSubscription = "addEventSubscription"
	msgError                = "error"
)

// wsMessage is the envelope of every message on the things stream.
type wsMessage struct {
	ID          string          `json:"id,omitempty"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Notifications returns the notification stream. It is closed after the
// stream terminates; Done() is closed at the same time.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Done returns a channel that is closed when the session terminates,
// either through Close() or because the gateway connection dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the session terminated, or nil while it is live.
// After Close() it returns ErrClosed.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Close terminates the session. It is safe to call multiple times.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = reason
		c.errMu.Unlock()

		close(c.done)

		if c.conn != nil {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			c.conn.Close()
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SubscribeEvents subscribes the stream to every event the device declares.
// Devices without events need no subscription.
func (c *Client) SubscribeEvents(ctx context.Context, dev Device) error {
	if len(dev.Events) == 0 {
		return nil
	}

	events := make(map[string]struct{}, len(dev.Events))
	for name := range dev.Events {
		events[name] = struct{}{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encoding event subscription: %w", err)
	}

	return c.send(ctx, wsMessage{
		ID:          dev.ID,
		MessageType: msgAddEventSubscription,
		Data:        data,
	})
}

// send writes a single message to the stream.
func (c *Client) send(ctx context.Context, msg wsMessage) error {
	if c.isClosed() {
		return ErrClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("writing %s: %w", msg.MessageType, err)
	}
	return nil
}

// pingLoop keeps the stream alive and detects silent half-open connections.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logDebug("ping failed", "error", err)
				return
			}
		}
	}
}

// readLoop is the single reader of the stream. It owns the notification
// channel and closes it on exit.
func (c *Client) readLoop() {
	defer close(c.notifications)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.logWarn("notification stream lost", "error", err)
			}
			c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logWarn("ignoring undecodable stream message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch converts one gateway message into zero or more notifications.
func (c *Client) dispatch(msg wsMessage) {
	deviceID := deviceIDFromRef(msg.ID)

	switch msg.MessageType {
	case msgPropertyStatus:
		values := map[string]json.RawMessage{}
		if err := json.Unmarshal(msg.Data, &values); err != nil {
			c.logWarn("ignoring malformed property status", "device_id", deviceID, "error", err)
			return
		}
		for _, name := range sortedKeys(values) {
			c.deliver(Notification{Kind: PropertyChanged, DeviceID: deviceID, Name: name, Value: values[name]})
		}

	case msgActionStatus:
		actions := map[string]struct {
			Input json.RawMessage `json:"input"`
		}{}
		if err := json.Unmarshal(msg.Data, &actions); err != nil {
			c.logWarn("ignoring malformed action status", "device_id", deviceID, "error", err)
			return
		}
		for _, name := range sortedKeys(actions) {
			c.deliver(Notification{Kind: ActionTriggered, DeviceID: deviceID, Name: name, Value: actions[name].Input})
		}

	case msgEvent:
		events := map[string]struct {
			Data json.RawMessage `json:"data"`
		}{}
		if err := json.Unmarshal(msg.Data, &events); err != nil {
			c.logWarn("ignoring malformed event", "device_id", deviceID, "error", err)
			return
		}
		for _, name := range sortedKeys(events) {
			c.deliver(Notification{Kind: EventRaised, DeviceID: deviceID, Name: name, Value: events[name].Data})
		}

	case msgConnected:
		var connected bool
		if err := json.Unmarshal(msg.Data, &connected); err != nil {
			c.logWarn("ignoring malformed connect state", "device_id", deviceID, "error", err)
			return
		}
		c.deliver(Notification{Kind: ConnectStateChanged, DeviceID: deviceID, Connected: connected})

	case msgThingAdded:
		id := deviceID
		if dev, err := parseDevice(msg.Data); err == nil {
			id = dev.ID
		}
		if id == "" {
			c.logWarn("ignoring thingAdded without id")
			return
		}
		c.prepareDevice(id)
		c.deliver(Notification{Kind: DeviceAdded, DeviceID: id})

	case msgThingModified:
		c.prepareDevice(deviceID)
		c.deliver(Notification{Kind: DeviceModified, DeviceID: deviceID})

	case msgThingRemoved:
		c.deliver(Notification{Kind: DeviceRemoved, DeviceID: deviceID})

	case msgError:
		c.logWarn("gateway reported stream error", "device_id", deviceID, "data", string(msg.Data))

	default:
		c.logDebug("ignoring stream message", "type", msg.MessageType, "device_id", deviceID)
	}
}

// prepareDevice re-fetches a device and subscribes to its events so capability
// queries succeed as soon as the corresponding notification is observed.
func (c *Client) prepareDevice(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	dev, err := c.GetDevice(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			c.logWarn("failed to describe device", "device_id", deviceID, "error", err)
		}
		return
	}
	if err := c.SubscribeEvents(ctx, dev); err != nil {
		c.logWarn("failed to subscribe device events", "device_id", deviceID, "error", err)
		return
	}
	c.logDebug("subscribed to all events", "device_id", deviceID, "events", len(dev.Events))
}

// deliver hands a notification to the consumer, giving up if the session ends.
func (c *Client) deliver(n Notification) {
	select {
	case c.notifications <- n:
	case <-c.done:
	}
}
