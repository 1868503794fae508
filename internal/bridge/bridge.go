package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/config"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/topic"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/webthings"
)

// Machine names, used in logs and the status API.
const (
	SourceName = "webthings"
	SinkName   = "mqtt"
)

// defaultCommandTimeout bounds each gateway call when the config leaves it unset.
const defaultCommandTimeout = 5 * time.Second

// Logger is the structured logger used by the bridge.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DeviceSource is a live gateway session. Satisfied by *webthings.Client.
type DeviceSource interface {
	Conn

	// Notifications delivers device-side changes in order.
	Notifications() <-chan webthings.Notification

	GetDevice(ctx context.Context, deviceID string) (webthings.Device, error)
	GetDevices(ctx context.Context) ([]webthings.Device, error)
	GetProperty(ctx context.Context, deviceID, name string) (json.RawMessage, error)
	SetProperty(ctx context.Context, deviceID, name string, value json.RawMessage) error
	ExecuteAction(ctx context.Context, deviceID, name string, input json.RawMessage) error
}

// CommandSink is a live broker session. Satisfied by *mqtt.Client.
type CommandSink interface {
	Conn

	// Publish hands a message to the broker without waiting for delivery.
	Publish(topic string, payload []byte) error

	// Subscribe installs a subscription. onError may be called later, from
	// another goroutine, if the broker refuses it.
	Subscribe(topic string, onError func(error)) error

	Unsubscribe(topic string) error

	// Messages delivers inbound messages in receive order.
	Messages() <-chan mqtt.Message
}

// Recorder receives property values for telemetry. It must not block.
// Satisfied by *influxdb.Client.
type Recorder interface {
	WritePropertyValue(deviceID, property string, value json.RawMessage)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// Config holds retry and command timing.
	Config config.BridgeConfig

	// DialSource opens a gateway session. Required.
	DialSource DialFunc[DeviceSource]

	// DialSink opens a broker session. Required.
	DialSink DialFunc[CommandSink]

	// Scheduler runs connection attempts. Defaults to RealScheduler().
	Scheduler Scheduler

	// Recorder is optional. If nil, property values are not recorded.
	Recorder Recorder

	// Logger is optional structured logger.
	Logger Logger
}

// Bridge relays gateway notifications to MQTT and MQTT commands to the
// gateway.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	source   *Machine[DeviceSource]
	sink     *Machine[CommandSink]
	recorder Recorder

	commandTimeout time.Duration

	// subs maps each installed inbound topic to the device that owns it.
	subs   map[string]string
	subsMu sync.Mutex

	stats counters

	// Shutdown coordination. stopping is set under lifeMu before wg.Wait, so
	// no consumer is added once Stop starts waiting.
	wg        sync.WaitGroup
	lifeMu    sync.Mutex
	stopping  bool
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger Logger
}

// counters are the bridge's activity counters.
type counters struct {
	notifications   atomic.Uint64
	published       atomic.Uint64
	publishDropped  atomic.Uint64
	publishErrors   atomic.Uint64
	commands        atomic.Uint64
	dispatched      atomic.Uint64
	commandDropped  atomic.Uint64
	commandErrors   atomic.Uint64
	decodeErrors    atomic.Uint64
	subscribeErrors atomic.Uint64
	resyncs         atomic.Uint64
}

// Stats is a snapshot of bridge activity for the status API.
type Stats struct {
	WebThings MachineStats `json:"webthings"`
	MQTT      MachineStats `json:"mqtt"`

	NotificationsReceived uint64 `json:"notifications_received"`
	MessagesPublished     uint64 `json:"messages_published"`
	PublishesDropped      uint64 `json:"publishes_dropped"`
	PublishErrors         uint64 `json:"publish_errors"`
	CommandsReceived      uint64 `json:"commands_received"`
	CommandsDispatched    uint64 `json:"commands_dispatched"`
	CommandsDropped       uint64 `json:"commands_dropped"`
	CommandErrors         uint64 `json:"command_errors"`
	DecodeErrors          uint64 `json:"decode_errors"`
	SubscribeErrors       uint64 `json:"subscribe_errors"`
	Resyncs               uint64 `json:"resyncs"`
	Subscriptions         int    `json:"subscriptions"`
}

// New creates a bridge. Call Start to begin connecting.
func New(opts Options) (*Bridge, error) {
	if opts.DialSource == nil || opts.DialSink == nil {
		return nil, ErrDialerRequired
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		recorder:       opts.Recorder, // May be nil (optional)
		commandTimeout: opts.Config.CommandTimeout,
		subs:           make(map[string]string),
		ctx:            ctx,
		ctxCancel:      ctxCancel,
		logger:         opts.Logger,
	}
	if b.commandTimeout <= 0 {
		b.commandTimeout = defaultCommandTimeout
	}

	var err error
	b.source, err = NewMachine(MachineOptions[DeviceSource]{
		Name:           SourceName,
		Dial:           opts.DialSource,
		Scheduler:      opts.Scheduler,
		RetryDelay:     opts.Config.RetryDelay,
		OnConnected:    b.sourceConnected,
		OnDisconnected: b.sourceDisconnected,
		Logger:         opts.Logger,
	})
	if err != nil {
		ctxCancel()
		return nil, fmt.Errorf("creating %s machine: %w", SourceName, err)
	}

	b.sink, err = NewMachine(MachineOptions[CommandSink]{
		Name:           SinkName,
		Dial:           opts.DialSink,
		Scheduler:      opts.Scheduler,
		RetryDelay:     opts.Config.RetryDelay,
		OnConnected:    b.sinkConnected,
		OnDisconnected: b.sinkDisconnected,
		Logger:         opts.Logger,
	})
	if err != nil {
		ctxCancel()
		return nil, fmt.Errorf("creating %s machine: %w", SinkName, err)
	}

	return b, nil
}

// Start begins connecting both sides. Each side retries independently
// until Stop is called.
func (b *Bridge) Start() {
	b.source.Start()
	b.sink.Start()
	b.logInfo("bridge started")
}

// Stop gracefully shuts down the bridge: pending retries are cancelled,
// both sessions are closed and the stream consumers have exited on return.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.lifeMu.Lock()
		b.stopping = true
		b.lifeMu.Unlock()

		// Cancel bridge context to abort in-flight commands
		b.ctxCancel()

		b.source.Stop()
		b.sink.Stop()

		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// SourceState returns the gateway connection state.
func (b *Bridge) SourceState() State {
	return b.source.State()
}

// SinkState returns the broker connection state.
func (b *Bridge) SinkState() State {
	return b.sink.State()
}

// Subscriptions returns the installed inbound topics in sorted order.
func (b *Bridge) Subscriptions() []string {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Stats returns current bridge activity counters.
func (b *Bridge) Stats() Stats {
	b.subsMu.Lock()
	subs := len(b.subs)
	b.subsMu.Unlock()

	return Stats{
		WebThings:             b.source.Stats(),
		MQTT:                  b.sink.Stats(),
		NotificationsReceived: b.stats.notifications.Load(),
		MessagesPublished:     b.stats.published.Load(),
		PublishesDropped:      b.stats.publishDropped.Load(),
		PublishErrors:         b.stats.publishErrors.Load(),
		CommandsReceived:      b.stats.commands.Load(),
		CommandsDispatched:    b.stats.dispatched.Load(),
		CommandsDropped:       b.stats.commandDropped.Load(),
		CommandErrors:         b.stats.commandErrors.Load(),
		DecodeErrors:          b.stats.decodeErrors.Load(),
		SubscribeErrors:       b.stats.subscribeErrors.Load(),
		Resyncs:               b.stats.resyncs.Load(),
		Subscriptions:         subs,
	}
}

// ─── Connection callbacks ──────────────────────────────────────────

func (b *Bridge) sourceConnected(s DeviceSource) {
	if !b.startConsumer(func() { b.consumeNotifications(s) }) {
		return
	}

	b.resync(false)
}

// startConsumer runs fn in a tracked goroutine. It returns false once Stop
// has begun.
func (b *Bridge) startConsumer(fn func()) bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.stopping {
		return false
	}
	b.wg.Add(1)
	go fn()
	return true
}

func (b *Bridge) sourceDisconnected(err error) {
	// Installed topics stay; they are reconciled when the gateway returns.
	b.logDebug("device source down, commands will be dropped", "error", err)
}

func (b *Bridge) sinkConnected(s CommandSink) {
	if !b.startConsumer(func() { b.consumeMessages(s) }) {
		return
	}

	// A clean session starts with no subscriptions.
	b.resync(true)
}

func (b *Bridge) sinkDisconnected(err error) {
	b.subsMu.Lock()
	clear(b.subs)
	b.subsMu.Unlock()

	b.logDebug("command sink down, publishes will be dropped", "error", err)
}

// ─── Stream consumers ──────────────────────────────────────────────

// consumeNotifications handles one gateway session's notifications until
// the session ends.
func (b *Bridge) consumeNotifications(s DeviceSource) {
	defer b.wg.Done()

	notifications := s.Notifications()
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return
			}
			b.handleNotification(n)
		case <-s.Done():
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// consumeMessages handles one broker session's inbound messages until the
// session ends.
func (b *Bridge) consumeMessages(s CommandSink) {
	defer b.wg.Done()

	messages := s.Messages()
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handleMessage(msg)
		case <-s.Done():
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// handleNotification publishes a gateway notification and keeps the
// subscription set in step with device lifecycle changes.
func (b *Bridge) handleNotification(n webthings.Notification) {
	b.stats.notifications.Add(1)

	switch n.Kind {
	case webthings.DeviceAdded:
		b.deviceAdded(n)
	case webthings.DeviceRemoved:
		b.deviceRemoved(n)
	case webthings.DeviceModified:
		b.deviceModified(n)
	default:
		b.publish(topic.Encode(n))
	}

	if n.Kind == webthings.PropertyChanged && b.recorder != nil && len(n.Value) > 0 {
		b.recorder.WritePropertyValue(n.DeviceID, n.Name, n.Value)
	}
}

// handleMessage decodes an inbound command and runs it against the gateway.
// Undecodable messages never reach the gateway.
func (b *Bridge) handleMessage(msg mqtt.Message) {
	b.stats.commands.Add(1)

	cmd, err := topic.Parse(msg.Topic, msg.Payload)
	if err != nil {
		b.stats.decodeErrors.Add(1)
		b.logWarn("dropping undecodable command", "topic", msg.Topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	var value json.RawMessage
	ok := b.source.Use(func(s DeviceSource) {
		switch cmd.Op {
		case topic.OpSetProperty:
			err = s.SetProperty(ctx, cmd.DeviceID, cmd.Name, cmd.Value)
		case topic.OpExecuteAction:
			err = s.ExecuteAction(ctx, cmd.DeviceID, cmd.Name, cmd.Value)
		case topic.OpGetProperty:
			value, err = s.GetProperty(ctx, cmd.DeviceID, cmd.Name)
		}
	})
	if !ok {
		b.stats.commandDropped.Add(1)
		b.logDebug("dropping command", "op", cmd.Op, "device_id", cmd.DeviceID, "name", cmd.Name,
			"error", ErrSourceUnavailable)
		return
	}
	if err != nil {
		b.stats.commandErrors.Add(1)
		b.logWarn("command failed", "op", cmd.Op, "device_id", cmd.DeviceID, "name", cmd.Name, "error", err)
		return
	}
	b.stats.dispatched.Add(1)

	if cmd.Op == topic.OpGetProperty {
		b.publish(topic.Encode(webthings.Notification{
			Kind:     webthings.PropertyChanged,
			DeviceID: cmd.DeviceID,
			Name:     cmd.Name,
			Value:    value,
		}))
	}
}

// publish sends messages in order, or drops them all if the broker is down.
func (b *Bridge) publish(msgs []topic.Message) {
	if len(msgs) == 0 {
		return
	}

	ok := b.sink.Use(func(s CommandSink) {
		for _, m := range msgs {
			if err := s.Publish(m.Topic, m.Payload); err != nil {
				b.stats.publishErrors.Add(1)
				b.logWarn("publish failed", "topic", m.Topic, "error", err)
				continue
			}
			b.stats.published.Add(1)
		}
	})
	if !ok {
		b.stats.publishDropped.Add(uint64(len(msgs)))
		b.logDebug("dropping publish", "topic", msgs[0].Topic, "count", len(msgs), "error", ErrSinkUnavailable)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}
