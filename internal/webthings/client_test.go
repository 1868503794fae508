package webthings

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
)

const testToken = "test-token"

// fakeGateway serves the subset of the gateway REST and WebSocket API the
// client uses.
type fakeGateway struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	things     map[string]string // id -> thing description JSON
	values     map[string]json.RawMessage
	requests   []string
	bodies     map[string]string
	subscribed []wsMessage
	wrapValues bool

	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:      t,
		things: map[string]string{},
		values: map[string]json.RawMessage{},
		bodies: map[string]string{},
		connCh: make(chan *websocket.Conn, 1),
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.serveHTTP))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) addThing(id, description string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.things[id] = description
}

func (g *fakeGateway) setValue(key string, v json.RawMessage, wrap bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[key] = v
	g.wrapValues = wrap
}

func (g *fakeGateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if r.URL.Query().Get("jwt") != testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go g.readSubscriptions(conn)
		g.connCh <- conn
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.EscapedPath()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, key)
	g.bodies[key] = string(body)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/things"), "/")
	switch {
	case r.URL.Path == "/things" && r.Method == http.MethodGet:
		list := make([]json.RawMessage, 0, len(g.things))
		for _, id := range sortedKeys(g.things) {
			list = append(list, json.RawMessage(g.things[id]))
		}
		_ = json.NewEncoder(w).Encode(list)

	case len(parts) == 2:
		desc, ok := g.things[parts[1]]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(desc))

	case len(parts) == 4 && parts[2] == "properties":
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
			return
		}
		v := g.values[parts[1]+"/"+parts[3]]
		if g.wrapValues {
			_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{parts[3]: v})
			return
		}
		_, _ = w.Write(v)

	case len(parts) == 4 && parts[2] == "actions" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (g *fakeGateway) readSubscriptions(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		g.mu.Lock()
		g.subscribed = append(g.subscribed, msg)
		g.mu.Unlock()
	}
}

func (g *fakeGateway) subscriptions() []wsMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]wsMessage(nil), g.subscribed...)
}

func (g *fakeGateway) body(key string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bodies[key]
}

func (g *fakeGateway) config() config.WebThingsConfig {
	return config.WebThingsConfig{
		URL:            g.server.URL,
		AccessToken:    testToken,
		RequestTimeout: 2 * time.Second,
	}
}

// connect opens a client and returns the gateway's end of the stream.
func (g *fakeGateway) connect(t *testing.T) (*Client, *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, g.config(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	select {
	case conn := <-g.connCh:
		t.Cleanup(func() { conn.Close() })
		return c, conn
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never saw the stream connection")
		return nil, nil
	}
}

const lampDescription = `{
  "id": "http://gateway/things/lamp1",
  "title": "Lamp",
  "properties": {"on": {"type": "boolean"}, "level": {"type": "integer", "unit": "percent"}},
  "actions": {"toggle": {"title": "Toggle"}},
  "events": {"overheated": {"type": "number"}}
}`

const sensorDescription = `{"href": "/things/sensor", "name": "Sensor", "properties": {"temp": {"type": "number", "readOnly": true}}}`

func nextNotification(t *testing.T, c *Client) Notification {
	t.Helper()
	select {
	case n, ok := <-c.Notifications():
		require.True(t, ok, "notification channel closed")
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestConnect_SubscribesEventsForEveryDevice(t *testing.T) {
	g := newFakeGateway(t)
	g.addThing("lamp1", lampDescription)
	g.addThing("sensor", sensorDescription)

	g.connect(t)

	require.Eventually(t, func() bool { return len(g.subscriptions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	sub := g.subscriptions()[0]
	assert.Equal(t, "lamp1", sub.ID)
	assert.Equal(t, msgAddEventSubscription, sub.MessageType)
	assert.JSONEq(t, `{"overheated": {}}`, string(sub.Data))
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), config.WebThingsConfig{URL: "ftp://gateway"}, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestConnect_BadToken(t *testing.T) {
	g := newFakeGateway(t)
	cfg := g.config()
	cfg.AccessToken = "wrong"

	_, err := Connect(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestGetDevices(t *testing.T) {
	g := newFakeGateway(t)
	g.addThing("lamp1", lampDescription)
	g.addThing("sensor", sensorDescription)
	c, _ := g.connect(t)

	devices, err := c.GetDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "lamp1", devices[0].ID)
	assert.Equal(t, "Lamp", devices[0].Title)
	assert.Equal(t, []string{"level", "on"}, devices[0].PropertyNames())
	assert.Equal(t, []string{"toggle"}, devices[0].ActionNames())
	assert.Equal(t, []string{"overheated"}, devices[0].EventNames())

	assert.Equal(t, "sensor", devices[1].ID)
	assert.Equal(t, "Sensor", devices[1].Title)
	assert.True(t, devices[1].Properties["temp"].ReadOnly)
	assert.Empty(t, devices[1].Actions)
}

func TestGetDevice_NotFound(t *testing.T) {
	g := newFakeGateway(t)
	c, _ := g.connect(t)

	_, err := c.GetDevice(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestGetProperty(t *testing.T) {
	for _, wrap := range []bool{false, true} {
		name := "bare value"
		if wrap {
			name = "wrapped value"
		}
		t.Run(name, func(t *testing.T) {
			g := newFakeGateway(t)
			g.addThing("lamp1", lampDescription)
			g.setValue("lamp1/level", json.RawMessage(`42`), wrap)
			c, _ := g.connect(t)

			v, err := c.GetProperty(context.Background(), "lamp1", "level")
			require.NoError(t, err)
			assert.JSONEq(t, `42`, string(v))
		})
	}
}

func TestGetProperty_UnknownProperty(t *testing.T) {
	g := newFakeGateway(t)
	g.addThing("lamp1", lampDescription)
	c, _ := g.connect(t)

	_, err := c.GetProperty(context.Background(), "lamp1", "color")
	assert.ErrorIs(t, err, ErrPropertyNotFound)
}

func TestSetProperty(t *testing.T) {
	g := newFakeGateway(t)
	g.addThing("lamp1", lampDescription)
	c, _ := g.connect(t)

	require.NoError(t, c.SetProperty(context.Background(), "lamp1", "on", json.RawMessage(`true`)))
	assert.JSONEq(t, `{"on": true}`, g.body("PUT /things/lamp1/properties/on"))

	err := c.SetProperty(context.Background(), "lamp1", "color", json.RawMessage(`"red"`))
	assert.ErrorIs(t, err, ErrPropertyNotFound)

	err = c.SetProperty(context.Background(), "ghost", "on", json.RawMessage(`true`))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestExecuteAction(t *testing.T) {
	g := newFakeGateway(t)
	g.addThing("lamp1", lampDescription)
	c, _ := g.connect(t)

	require.NoError(t, c.ExecuteAction(context.Background(), "lamp1", "toggle", json.RawMessage(`{"fade": 3}`)))
	assert.JSONEq(t, `{"toggle": {"input": {"fade": 3}}}`, g.body("POST /things/lamp1/actions/toggle"))

	require.NoError(t, c.ExecuteAction(context.Background(), "lamp1", "toggle", json.RawMessage(`null`)))
	assert.JSONEq(t, `{"toggle": {}}`, g.body("POST /things/lamp1/actions/toggle"))

	err := c.ExecuteAction(context.Background(), "lamp1", "explode", nil)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestNotifications_PropertyActionEvent(t *testing.T) {
	g := newFakeGateway(t)
	g.addThing("lamp1", lampDescription)
	c, conn := g.connect(t)

	sendJSON(t, conn, `{"id": "lamp1", "messageType": "propertyStatus", "data": {"on": true, "level": 10}}`)
	sendJSON(t, conn, `{"id": "lamp1", "messageType": "actionStatus", "data": {"toggle": {"input": {"fade": 1}, "status": "pending"}}}`)
	sendJSON(t, conn, `{"id": "lamp1", "messageType": "actionStatus", "data": {"toggle": {"status": "completed"}}}`)
	sendJSON(t, conn, `{"id": "lamp1", "messageType": "event", "data": {"overheated": {"data": 81.5}}}`)
	sendJSON(t, conn, `{"id": "lamp1", "messageType": "connected", "data": false}`)

	// Multi-property status messages are split in name order
	n := nextNotification(t, c)
	assert.Equal(t, Notification{Kind: PropertyChanged, DeviceID: "lamp1", Name: "level", Value: json.RawMessage(`10`)}, n)
	n = nextNotification(t, c)
	assert.Equal(t, Notification{Kind: PropertyChanged, DeviceID: "lamp1", Name: "on", Value: json.RawMessage(`true`)}, n)

	n = nextNotification(t, c)
	assert.Equal(t, ActionTriggered, n.Kind)
	assert.Equal(t, "toggle", n.Name)
	assert.JSONEq(t, `{"fade": 1}`, string(n.Value))

	n = nextNotification(t, c)
	assert.Equal(t, ActionTriggered, n.Kind)
	assert.Nil(t, n.Value)

	n = nextNotification(t, c)
	assert.Equal(t, EventRaised, n.Kind)
	assert.Equal(t, "overheated", n.Name)
	assert.JSONEq(t, `81.5`, string(n.Value))

	n = nextNotification(t, c)
	assert.Equal(t, Notification{Kind: ConnectStateChanged, DeviceID: "lamp1"}, n)
}

func TestNotifications_DeviceLifecycle(t *testing.T) {
	g := newFakeGateway(t)
	c, conn := g.connect(t)

	// The device must be describable before DeviceAdded is observed.
	g.addThing("lamp1", lampDescription)
	sendJSON(t, conn, `{"messageType": "thingAdded", "data": `+lampDescription+`}`)

	n := nextNotification(t, c)
	assert.Equal(t, Notification{Kind: DeviceAdded, DeviceID: "lamp1"}, n)
	require.Eventually(t, func() bool { return len(g.subscriptions()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "lamp1", g.subscriptions()[0].ID)

	sendJSON(t, conn, `{"id": "lamp1", "messageType": "thingModified", "data": {}}`)
	n = nextNotification(t, c)
	assert.Equal(t, Notification{Kind: DeviceModified, DeviceID: "lamp1"}, n)

	sendJSON(t, conn, `{"id": "lamp1", "messageType": "thingRemoved", "data": {}}`)
	n = nextNotification(t, c)
	assert.Equal(t, Notification{Kind: DeviceRemoved, DeviceID: "lamp1"}, n)
}

func TestNotifications_MalformedMessagesAreSkipped(t *testing.T) {
	g := newFakeGateway(t)
	c, conn := g.connect(t)

	sendJSON(t, conn, `not json`)
	sendJSON(t, conn, `{"id": "lamp1", "messageType": "propertyStatus", "data": [1, 2]}`)
	sendJSON(t, conn, `{"id": "lamp1", "messageType": "somethingNew", "data": {}}`)
	sendJSON(t, conn, `{"id": "lamp1", "messageType": "connected", "data": true}`)

	n := nextNotification(t, c)
	assert.Equal(t, Notification{Kind: ConnectStateChanged, DeviceID: "lamp1", Connected: true}, n)
}

func TestStreamLoss_ClosesDone(t *testing.T) {
	g := newFakeGateway(t)
	c, conn := g.connect(t)

	conn.Close()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done was not closed after the stream dropped")
	}
	assert.ErrorIs(t, c.Err(), ErrConnectionLost)

	_, ok := <-c.Notifications()
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	g := newFakeGateway(t)
	c, _ := g.connect(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrClosed)

	_, err := c.GetDevices(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://gw:8080", "ws://gw:8080/things?jwt=tok"},
		{"https://gw.example.com/", "wss://gw.example.com/things?jwt=tok"},
		{"http://gw/prefix", "ws://gw/prefix/things?jwt=tok"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			c, err := newClient(config.WebThingsConfig{URL: tt.base, AccessToken: "tok"}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.streamURL())
		})
	}
}

func TestThingPath(t *testing.T) {
	assert.Equal(t, "/things/lamp1", thingPath("lamp1"))
	assert.Equal(t, "/things/zw%2Fnode%201/properties/on", thingPath("zw/node 1", "properties", "on"))
}

func TestDeviceIDFromRef(t *testing.T) {
	tests := map[string]string{
		"lamp1":                        "lamp1",
		"/things/lamp1":                "lamp1",
		"http://gateway/things/lamp1":  "lamp1",
		"https://gw/things/zw%2Fnode/": "zw/node",
		"":                             "",
	}
	for ref, want := range tests {
		assert.Equal(t, want, deviceIDFromRef(ref), ref)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "propertyChanged", PropertyChanged.String())
	assert.Equal(t, "deviceModified", DeviceModified.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
