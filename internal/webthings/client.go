package webthings

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
)

// Client constants.
const (
	// defaultRequestTimeout bounds REST calls when the config leaves it unset.
	defaultRequestTimeout = 10 * time.Second

	// notificationBufferSize is the capacity of the notification channel.
	notificationBufferSize = 256

	// maxResponseSize caps REST response bodies (1MB).
	maxResponseSize = 1 << 20
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client is a connected WebThings gateway session.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Notifications are delivered on a single channel from a single reader,
//     so notifications for one device arrive in gateway order.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	tlsConfig  *tls.Config
	timeout    time.Duration

	conn    *websocket.Conn
	writeMu sync.Mutex

	notifications chan Notification

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.RWMutex
	err       error

	logger Logger
}

// Connect opens a session with the gateway.
//
// It performs the following setup:
//  1. Dials the gateway's multiplexed things WebSocket
//  2. Lists every known device over REST
//  3. Subscribes to all events of every device
//  4. Starts the notification reader
//
// Parameters:
//   - ctx: Context bounding the whole setup
//   - cfg: Gateway URL, access token and timeouts
//   - logger: Optional logger (may be nil)
//
// Returns:
//   - *Client: Ready client; Notifications() starts flowing immediately
//   - error: Wrapping ErrConnectionFailed on any setup failure
func Connect(ctx context.Context, cfg config.WebThingsConfig, logger Logger) (*Client, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: c.timeout,
		TLSClientConfig:  c.tlsConfig,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, resp, err := dialer.DialContext(ctx, c.streamURL(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialing notification stream: %w", ErrConnectionFailed, err)
	}
	c.conn = conn

	devices, err := c.GetDevices(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: listing devices: %w", ErrConnectionFailed, err)
	}
	for _, dev := range devices {
		if err := c.SubscribeEvents(ctx, dev); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: subscribing events for %s: %w", ErrConnectionFailed, dev.ID, err)
		}
		c.logDebug("subscribed to all events", "device_id", dev.ID, "events", len(dev.Events))
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// newClient validates the config and builds an unconnected client.
func newClient(cfg config.WebThingsConfig, logger Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid gateway url %q", ErrConnectionFailed, cfg.URL)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	var tlsConfig *tls.Config
	if cfg.InsecureSkipVerify {
		//nolint:gosec // Opt-in for self-signed local gateways
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL: base,
		token:   cfg.AccessToken,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig, Proxy: http.ProxyFromEnvironment},
		},
		tlsConfig:     tlsConfig,
		timeout:       timeout,
		notifications: make(chan Notification, notificationBufferSize),
		done:          make(chan struct{}),
		logger:        logger,
	}, nil
}

// streamURL returns the WebSocket URL of the multiplexed things stream.
func (c *Client) streamURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/things"
	q := u.Query()
	q.Set("jwt", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

// thingPath builds an escaped REST path below /things.
func thingPath(deviceID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/things/")
	b.WriteString(url.PathEscape(deviceID))
	for _, p := range parts {
		b.WriteString("/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// GetDevices returns a snapshot of every device known to the gateway.
// The snapshot may already be stale when the caller uses it.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var raw []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/things", nil, &raw); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(raw))
	for _, r := range raw {
		dev, err := parseDevice(r)
		if err != nil {
			c.logWarn("skipping undecodable thing description", "error", err)
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// GetDevice returns the current description of a single device.
//
// Returns:
//   - error: ErrDeviceNotFound if the gateway does not know the id
func (c *Client) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, thingPath(deviceID), nil, &raw); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		return Device{}, err
	}
	dev, err := parseDevice(raw)
	if err != nil {
		return Device{}, err
	}
	// Trust the requested id over whatever the description carries.
	dev.ID = deviceID
	return dev, nil
}

// GetProperty reads the current value of a property.
//
// Returns:
//   - json.RawMessage: The value as JSON (nil if the gateway returned no body)
//   - error: ErrDeviceNotFound or ErrPropertyNotFound for unknown names
func (c *Client) GetProperty(ctx context.Context, deviceID, name string) (json.RawMessage, error) {
	dev, err := c.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if _, ok := dev.Properties[name]; !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPropertyNotFound, deviceID, name)
	}

	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, thingPath(deviceID, "properties", name), nil, &raw); err != nil {
		return nil, err
	}
	return unwrapProperty(name, raw), nil
}

// SetProperty writes a property value.
//
// Returns:
//   - error: ErrDeviceNotFound or ErrPropertyNotFound for unknown names
func (c *Client) SetProperty(ctx context.Context, deviceID, name string, value json.RawMessage) error {
	dev, err := c.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if _, ok := dev.Properties[name]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrPropertyNotFound, deviceID, name)
	}

	body := map[string]json.RawMessage{name: orNull(value)}
	return c.doJSON(ctx, http.MethodPut, thingPath(deviceID, "properties", name), body, nil)
}

// ExecuteAction requests an action. The gateway executes it asynchronously;
// no result is observed.
//
// Returns:
//   - error: ErrDeviceNotFound or ErrActionNotFound for unknown names
func (c *Client) ExecuteAction(ctx context.Context, deviceID, name string, input json.RawMessage) error {
	dev, err := c.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if _, ok := dev.Actions[name]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrActionNotFound, deviceID, name)
	}

	request := map[string]any{}
	if len(input) > 0 && string(input) != "null" {
		request["input"] = input
	}
	body := map[string]any{name: request}
	return c.doJSON(ctx, http.MethodPost, thingPath(deviceID, "actions", name), body, nil)
}

// unwrapProperty accepts both the {"name": value} and the bare value
// response shapes used by different gateway versions.
func unwrapProperty(name string, raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj) == 1 {
		if v, ok := obj[name]; ok {
			return v
		}
	}
	return raw
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

// statusError carries the HTTP status of a failed REST call.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrRequestFailed, e.status, e.body)
}

func (e *statusError) Unwrap() error {
	return ErrRequestFailed
}

func isStatus(err error, status int) bool {
	se, ok := err.(*statusError)
	return ok && se.status == status
}

// doJSON performs an authenticated REST call. body and out may be nil.
func (c *Client) doJSON(ctx context.Context, method, p string, body, out any) error {
	if c.isClosed() {
		return ErrClosed
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	// p is already escaped per segment.
	target := strings.TrimRight(c.baseURL.String(), "/") + p

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, p, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading response: %w", ErrRequestFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// logDebug logs a debug message if logger is set.
func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

// logWarn logs a warning if logger is set.
func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}
