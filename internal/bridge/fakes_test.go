package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/topic"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/webthings"
)

var errSessionClosed = errors.New("session closed")

// ─── Manual scheduler ──────────────────────────────────────────────

type manualTask struct {
	s       *manualScheduler
	delay   time.Duration
	f       func()
	ran     bool
	stopped bool
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.ran || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// manualScheduler queues tasks until the test runs them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{s: s, delay: d, f: f}
	s.tasks = append(s.tasks, t)
	return t
}

// Pending returns the number of tasks waiting to run.
func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.ran && !t.stopped {
			n++
		}
	}
	return n
}

// Delays returns the delays of pending tasks in queue order.
func (s *manualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.tasks {
		if !t.ran && !t.stopped {
			out = append(out, t.delay)
		}
	}
	return out
}

// RunNext runs the oldest pending task on the calling goroutine.
func (s *manualScheduler) RunNext() bool {
	s.mu.Lock()
	var next *manualTask
	for _, t := range s.tasks {
		if !t.ran && !t.stopped {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.ran = true
	s.mu.Unlock()

	next.f()
	return true
}

// RunPending runs the tasks pending at the time of the call, but not the
// ones they schedule.
func (s *manualScheduler) RunPending() int {
	n := s.Pending()
	for i := 0; i < n; i++ {
		s.RunNext()
	}
	return n
}

// ─── Conn base ─────────────────────────────────────────────────────

type fakeConn struct {
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.fail(errSessionClosed)
	return nil
}

// fail ends the session as if the transport dropped.
func (c *fakeConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// ─── Gateway and device source ─────────────────────────────────────

type setCall struct {
	DeviceID string
	Name     string
	Value    string
}

// fakeGateway is the device state shared by every source session.
type fakeGateway struct {
	mu       sync.Mutex
	devices  map[string]webthings.Device
	values   map[string]json.RawMessage
	sets     []setCall
	executes []setCall
}

func newFakeGateway(devices ...webthings.Device) *fakeGateway {
	gw := &fakeGateway{
		devices: make(map[string]webthings.Device),
		values:  make(map[string]json.RawMessage),
	}
	for _, d := range devices {
		gw.add(d)
	}
	return gw
}

func (g *fakeGateway) add(d webthings.Device) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.devices[d.ID] = d
}

func (g *fakeGateway) remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.devices, id)
}

func (g *fakeGateway) setValue(id, name, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values[id+"|"+name] = json.RawMessage(value)
}

func (g *fakeGateway) setCalls() []setCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]setCall(nil), g.sets...)
}

func (g *fakeGateway) executeCalls() []setCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]setCall(nil), g.executes...)
}

type fakeSource struct {
	*fakeConn
	gw            *fakeGateway
	notifications chan webthings.Notification
}

func (s *fakeSource) Notifications() <-chan webthings.Notification { return s.notifications }

func (s *fakeSource) GetDevice(_ context.Context, id string) (webthings.Device, error) {
	s.gw.mu.Lock()
	defer s.gw.mu.Unlock()
	d, ok := s.gw.devices[id]
	if !ok {
		return webthings.Device{}, webthings.ErrDeviceNotFound
	}
	return d, nil
}

func (s *fakeSource) GetDevices(context.Context) ([]webthings.Device, error) {
	s.gw.mu.Lock()
	defer s.gw.mu.Unlock()
	out := make([]webthings.Device, 0, len(s.gw.devices))
	for _, d := range s.gw.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeSource) GetProperty(_ context.Context, id, name string) (json.RawMessage, error) {
	s.gw.mu.Lock()
	defer s.gw.mu.Unlock()
	d, ok := s.gw.devices[id]
	if !ok {
		return nil, webthings.ErrDeviceNotFound
	}
	if _, ok := d.Properties[name]; !ok {
		return nil, webthings.ErrPropertyNotFound
	}
	return s.gw.values[id+"|"+name], nil
}

func (s *fakeSource) SetProperty(_ context.Context, id, name string, value json.RawMessage) error {
	s.gw.mu.Lock()
	defer s.gw.mu.Unlock()
	if _, ok := s.gw.devices[id]; !ok {
		return webthings.ErrDeviceNotFound
	}
	s.gw.sets = append(s.gw.sets, setCall{DeviceID: id, Name: name, Value: string(value)})
	s.gw.values[id+"|"+name] = value
	return nil
}

func (s *fakeSource) ExecuteAction(_ context.Context, id, name string, input json.RawMessage) error {
	s.gw.mu.Lock()
	defer s.gw.mu.Unlock()
	if _, ok := s.gw.devices[id]; !ok {
		return webthings.ErrDeviceNotFound
	}
	s.gw.executes = append(s.gw.executes, setCall{DeviceID: id, Name: name, Value: string(input)})
	return nil
}

// sourceDialer opens fakeSource sessions, or fails while err is set.
type sourceDialer struct {
	gw       *fakeGateway
	mu       sync.Mutex
	err      error
	calls    int
	sessions []*fakeSource
}

func (d *sourceDialer) dial(context.Context) (DeviceSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSource{
		fakeConn:      newFakeConn(),
		gw:            d.gw,
		notifications: make(chan webthings.Notification, 16),
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *sourceDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *sourceDialer) last() *fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// ─── Broker and command sink ───────────────────────────────────────

// fakeBroker records publishes across every sink session.
type fakeBroker struct {
	mu        sync.Mutex
	published []topic.Message
}

func (b *fakeBroker) messages() []topic.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]topic.Message(nil), b.published...)
}

func (b *fakeBroker) topics() []string {
	var out []string
	for _, m := range b.messages() {
		out = append(out, m.Topic)
	}
	return out
}

type fakeSink struct {
	*fakeConn
	broker   *fakeBroker
	messages chan mqtt.Message

	subMu        sync.Mutex
	subs         map[string]func(error)
	unsubscribed []string

	// closeGate, when set before the session ends, holds Close until it is
	// closed.
	closeGate chan struct{}
}

func (s *fakeSink) Close() error {
	if s.closeGate != nil {
		<-s.closeGate
	}
	return s.fakeConn.Close()
}

func (s *fakeSink) Publish(t string, payload []byte) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.published = append(s.broker.published, topic.Message{Topic: t, Payload: append([]byte{}, payload...)})
	return nil
}

func (s *fakeSink) Subscribe(t string, onError func(error)) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs[t] = onError
	return nil
}

func (s *fakeSink) Unsubscribe(t string) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, t)
	s.unsubscribed = append(s.unsubscribed, t)
	return nil
}

func (s *fakeSink) Messages() <-chan mqtt.Message { return s.messages }

// subscriptions returns the topics this session is subscribed to, sorted.
func (s *fakeSink) subscriptions() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]string, 0, len(s.subs))
	for t := range s.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *fakeSink) unsubscribes() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return append([]string(nil), s.unsubscribed...)
}

// refuse reports a broker refusal for a subscribed topic, the way the MQTT
// client does after a failed SUBACK.
func (s *fakeSink) refuse(t string) {
	s.subMu.Lock()
	onError := s.subs[t]
	delete(s.subs, t)
	s.subMu.Unlock()
	if onError != nil {
		onError(errors.New("refused"))
	}
}

// deliver injects an inbound message.
func (s *fakeSink) deliver(t, payload string) {
	s.messages <- mqtt.Message{Topic: t, Payload: []byte(payload)}
}

type sinkDialer struct {
	broker   *fakeBroker
	mu       sync.Mutex
	err      error
	calls    int
	sessions []*fakeSink
}

func (d *sinkDialer) dial(context.Context) (CommandSink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSink{
		fakeConn: newFakeConn(),
		broker:   d.broker,
		messages: make(chan mqtt.Message, 16),
		subs:     make(map[string]func(error)),
	}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *sinkDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *sinkDialer) last() *fakeSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// ─── Recorder ──────────────────────────────────────────────────────

type recorded struct {
	DeviceID string
	Property string
	Value    string
}

type fakeRecorder struct {
	mu     sync.Mutex
	values []recorded
}

func (r *fakeRecorder) WritePropertyValue(deviceID, property string, value json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, recorded{DeviceID: deviceID, Property: property, Value: string(value)})
}

func (r *fakeRecorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.values...)
}
