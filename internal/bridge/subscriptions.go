package bridge

import (
	"context"
	"errors"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/topic"
	"github.com/nerrad567/webthings-mqtt-bridge/internal/webthings"
)

// ownedTopic is an inbound topic and the device it belongs to.
type ownedTopic struct {
	topic    string
	deviceID string
}

// desiredTopics lists the inbound topics of every device, in device order.
func desiredTopics(devices []webthings.Device) []ownedTopic {
	var out []ownedTopic
	for _, dev := range devices {
		for _, t := range topic.InboundTopics(dev) {
			out = append(out, ownedTopic{topic: t, deviceID: dev.ID})
		}
	}
	return out
}

// resync rebuilds the installed set from the gateway's device list.
// With reset, the set is first emptied to match a fresh broker session.
//
// Nothing is installed while either side is down; the side that comes back
// triggers the next resync.
func (b *Bridge) resync(reset bool) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if reset {
		clear(b.subs)
	}

	devices, ok := b.listDevices()
	if !ok {
		return
	}
	b.reconcileLocked(desiredTopics(devices), func(string) bool { return true })
	b.stats.resyncs.Add(1)

	b.logInfo("subscriptions synchronised", "devices", len(devices), "topics", len(b.subs))
}

// listDevices fetches every device from the gateway. It returns false when
// the gateway is down or the request fails.
func (b *Bridge) listDevices() ([]webthings.Device, bool) {
	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	var (
		devices []webthings.Device
		err     error
	)
	if !b.source.Use(func(s DeviceSource) {
		devices, err = s.GetDevices(ctx)
	}) {
		return nil, false
	}
	if err != nil {
		b.logWarn("listing devices failed", "error", err)
		return nil, false
	}
	return devices, true
}

// fetchDevice reads one device description from the gateway.
func (b *Bridge) fetchDevice(deviceID string) (webthings.Device, error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	var (
		dev webthings.Device
		err = ErrSourceUnavailable
	)
	b.source.Use(func(s DeviceSource) {
		dev, err = s.GetDevice(ctx, deviceID)
	})
	return dev, err
}

// reconcileLocked makes the installed topics within scope equal desired:
// stale topics are unsubscribed first, then missing topics are subscribed in
// order. Topics outside scope are left alone. Caller holds subsMu.
//
// If the broker is down the set is left unchanged; it is empty in that case.
func (b *Bridge) reconcileLocked(desired []ownedTopic, inScope func(deviceID string) bool) {
	want := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		want[d.topic] = struct{}{}
	}

	b.sink.Use(func(s CommandSink) {
		for t, owner := range b.subs {
			if _, keep := want[t]; keep || !inScope(owner) {
				continue
			}
			b.unsubscribeLocked(s, t)
		}
		for _, d := range desired {
			if _, have := b.subs[d.topic]; have {
				continue
			}
			b.subscribeLocked(s, d)
		}
	})
}

// subscribeLocked installs one topic. Caller holds subsMu.
func (b *Bridge) subscribeLocked(s CommandSink, d ownedTopic) {
	if err := s.Subscribe(d.topic, b.subscribeFailed(d)); err != nil {
		b.stats.subscribeErrors.Add(1)
		b.logWarn("subscribe failed", "device_id", d.deviceID, "topic", d.topic, "error", err)
		return
	}
	b.subs[d.topic] = d.deviceID
}

// unsubscribeLocked removes one topic from the broker and the set.
// Caller holds subsMu.
func (b *Bridge) unsubscribeLocked(s CommandSink, t string) {
	owner := b.subs[t]
	delete(b.subs, t)
	if err := s.Unsubscribe(t); err != nil {
		b.logWarn("unsubscribe failed", "device_id", owner, "topic", t, "error", err)
	}
}

// subscribeFailed returns the asynchronous failure callback for a topic.
// The broker refused it, so it is no longer part of the installed set.
func (b *Bridge) subscribeFailed(d ownedTopic) func(error) {
	return func(err error) {
		b.subsMu.Lock()
		if owner, ok := b.subs[d.topic]; ok && owner == d.deviceID {
			delete(b.subs, d.topic)
		}
		b.subsMu.Unlock()

		b.stats.subscribeErrors.Add(1)
		b.logWarn("subscription refused", "device_id", d.deviceID, "topic", d.topic, "error", err)
	}
}

// deviceAdded publishes the lifecycle topic, then installs the new device's
// inbound topics.
func (b *Bridge) deviceAdded(n webthings.Notification) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.publish(topic.Encode(n))

	dev, err := b.fetchDevice(n.DeviceID)
	if err != nil {
		b.logDeviceError("fetching added device failed", n.DeviceID, err)
		return
	}
	b.reconcileLocked(desiredTopics([]webthings.Device{dev}), ownedBy(dev.ID))

	b.logInfo("device added", "device_id", dev.ID, "topics", len(topic.InboundTopics(dev)))
}

// deviceRemoved publishes the lifecycle topic, then removes every installed
// topic owned by the device. Devices whose ids share a prefix are untouched.
func (b *Bridge) deviceRemoved(n webthings.Notification) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.publish(topic.Encode(n))

	removed := 0
	b.sink.Use(func(s CommandSink) {
		for t, owner := range b.subs {
			if owner != n.DeviceID {
				continue
			}
			b.unsubscribeLocked(s, t)
			removed++
		}
	})

	b.logInfo("device removed", "device_id", n.DeviceID, "topics", removed)
}

// deviceModified publishes the lifecycle topic, then reconciles the device's
// topics against its new description.
func (b *Bridge) deviceModified(n webthings.Notification) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	b.publish(topic.Encode(n))

	dev, err := b.fetchDevice(n.DeviceID)
	if err != nil {
		b.logDeviceError("fetching modified device failed", n.DeviceID, err)
		return
	}
	b.reconcileLocked(desiredTopics([]webthings.Device{dev}), ownedBy(dev.ID))

	b.logDebug("device modified", "device_id", dev.ID)
}

func (b *Bridge) logDeviceError(msg, deviceID string, err error) {
	if errors.Is(err, ErrSourceUnavailable) {
		b.logDebug(msg, "device_id", deviceID, "error", err)
		return
	}
	b.logWarn(msg, "device_id", deviceID, "error", err)
}

func ownedBy(deviceID string) func(string) bool {
	return func(owner string) bool { return owner == deviceID }
}
