package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang as the bridge's command sink.
//
// A Client represents exactly one broker session. It never reconnects on its
// own: when the connection drops, Done() is closed and the owner is expected
// to Connect again.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Inbound messages are delivered on a single channel in receive order.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	clientID string

	messages chan Message

	// subscriptions tracks topics this session has asked the broker for.
	subscriptions map[string]struct{}
	subMu         sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.RWMutex
	err       error

	// logger is fixed at Connect; nil disables handler logging.
	logger Logger
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Message is an inbound topic/payload pair.
type Message struct {
	Topic   string
	Payload []byte
}

// Connect establishes a session with the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures Last Will and Testament (LWT) on the bridge status topic
//  3. Makes a single connection attempt bounded by ctx and the connect timeout
//  4. Publishes retained online status
//
// Parameters:
//   - ctx: Context for cancellation of the connection attempt
//   - cfg: MQTT configuration
//   - logger: Optional logger (may be nil)
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: Wrapping ErrConnectionFailed if the attempt fails
func Connect(ctx context.Context, cfg config.MQTTConfig, logger Logger) (*Client, error) {
	clientID := resolveClientID(cfg.ClientID)
	opts, err := buildClientOptions(cfg, clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	configureLWT(opts, statusTopic(cfg), clientID)

	c := &Client{
		cfg:           cfg,
		clientID:      clientID,
		messages:      make(chan Message, messageBufferSize),
		subscriptions: make(map[string]struct{}),
		done:          make(chan struct{}),
		logger:        logger,
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()

	timeout := connectTimeout(cfg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	case <-ctx.Done():
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.publishOnlineStatus()

	return c, nil
}

// ClientID returns the client identifier used for this session.
func (c *Client) ClientID() string {
	return c.clientID
}

// handleConnectionLost is called by paho when the connection drops.
func (c *Client) handleConnectionLost(err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}
	c.shutdown(fmt.Errorf("%w: %w", ErrConnectionLost, err))
}

// shutdown records the termination reason and closes Done() once.
func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = reason
		c.errMu.Unlock()
		close(c.done)
	})
}

// publishOnlineStatus publishes the bridge's retained online status.
func (c *Client) publishOnlineStatus() {
	topic := statusTopic(c.cfg)
	if err := c.PublishRetained(topic, []byte(buildOnlinePayload(c.clientID))); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT online status not published", "topic", topic, "error", err)
		}
	}
}

// Messages returns the inbound message stream. Messages on all subscribed
// topics arrive on this channel in the order the broker delivered them.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Done returns a channel that is closed when the session ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the session ended, or nil while it is live.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Publishes graceful offline status (different from LWT crash status)
//  2. Waits briefly for the status publish
//  3. Disconnects from broker
//
// Returns:
//   - error: Always nil; closing an already closed client is not an error
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		token := c.client.Publish(statusTopic(c.cfg), byte(c.cfg.QoS), true, buildOfflinePayload(c.clientID))
		token.WaitTimeout(defaultPublishTimeout)
	}

	// Release a handler blocked on Messages() before quiescing.
	c.shutdown(ErrClosed)
	c.client.Disconnect(defaultDisconnectQuiesce)

	return nil
}

// IsConnected returns whether the session is live.
func (c *Client) IsConnected() bool {
	if c.client == nil || c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	return c.client.IsConnected()
}

// getLogger returns the session logger (may be nil).
func (c *Client) getLogger() Logger {
	return c.logger
}

// awaitToken waits for an asynchronous paho operation and reports failure.
// onError, if set, receives the error; otherwise it is logged.
func (c *Client) awaitToken(token pahomqtt.Token, op, topic string, onError func(error)) {
	var err error
	select {
	case <-token.Done():
		err = token.Error()
	case <-time.After(defaultPublishTimeout):
		err = fmt.Errorf("%w: timeout after %v", ErrTimeout, defaultPublishTimeout)
	case <-c.done:
		return
	}
	if err == nil {
		return
	}

	if onError != nil {
		onError(err)
		return
	}
	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT operation failed", "op", op, "topic", topic, "error", err)
	}
}

// handleMessage is the paho handler for every subscription. It copies the
// payload and hands the message to the Messages() channel without blocking.
// Paho delivers in order on a single goroutine, so a full buffer drops the
// message (with a warning) rather than stalling the client's network loop.
func (c *Client) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}
	}()

	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	select {
	case c.messages <- Message{Topic: msg.Topic(), Payload: payload}:
	case <-c.done:
	default:
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT inbound buffer full, message dropped",
				"topic", msg.Topic(),
				"buffer", cap(c.messages),
			)
		}
	}
}
