package topic

import (
	"strings"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/webthings"
)

// Root is the first segment of every bridge topic.
const Root = "webthings"

// Categories and leaves of the topic tree.
const (
	CategoryProperties = "properties"
	CategoryActions    = "actions"
	CategoryEvents     = "events"

	LeafConnectState   = "connectState"
	LeafConnected      = "connected"
	LeafDisconnected   = "disconnected"
	LeafDeviceAdded    = "deviceAdded"
	LeafDeviceRemoved  = "deviceRemoved"
	LeafDeviceModified = "deviceModified"

	VerbSet     = "set"
	VerbGet     = "get"
	VerbExecute = "execute"
)

// =============================================================================
// Outbound Topics
// =============================================================================

// Property returns the topic carrying a property's current value.
//
// Example: webthings/lamp1/properties/on
func Property(deviceID, name string) string {
	return join(deviceID, CategoryProperties, name)
}

// Action returns the topic announcing a triggered action.
//
// Example: webthings/lamp1/actions/toggle
func Action(deviceID, name string) string {
	return join(deviceID, CategoryActions, name)
}

// Event returns the topic announcing a raised event.
//
// Example: webthings/lamp1/events/overheated
func Event(deviceID, name string) string {
	return join(deviceID, CategoryEvents, name)
}

// Lifecycle returns a device-level leaf topic such as connectState or deviceAdded.
//
// Example: webthings/lamp1/deviceAdded
func Lifecycle(deviceID, leaf string) string {
	return join(deviceID, leaf)
}

// =============================================================================
// Inbound Topics
// =============================================================================

// PropertySet returns the topic on which property writes are accepted.
//
// Example: webthings/lamp1/properties/on/set
func PropertySet(deviceID, name string) string {
	return join(deviceID, CategoryProperties, name, VerbSet)
}

// PropertyGet returns the topic on which property reads are requested.
//
// Example: webthings/lamp1/properties/on/get
func PropertyGet(deviceID, name string) string {
	return join(deviceID, CategoryProperties, name, VerbGet)
}

// ActionExecute returns the topic on which action requests are accepted.
//
// Example: webthings/lamp1/actions/toggle/execute
func ActionExecute(deviceID, name string) string {
	return join(deviceID, CategoryActions, name, VerbExecute)
}

// InboundTopics returns the inbound topics a device needs subscribed:
// set topics for every property, execute topics for every action, then get
// topics for every property, names sorted within each group.
//
// Unaddressable names are skipped. A device whose id is not addressable
// gets no topics.
func InboundTopics(dev webthings.Device) []string {
	if !addressableID(dev.ID) {
		return nil
	}

	props := addressableNames(dev.PropertyNames())
	actions := addressableNames(dev.ActionNames())

	topics := make([]string, 0, 2*len(props)+len(actions))
	for _, name := range props {
		topics = append(topics, PropertySet(dev.ID, name))
	}
	for _, name := range actions {
		topics = append(topics, ActionExecute(dev.ID, name))
	}
	for _, name := range props {
		topics = append(topics, PropertyGet(dev.ID, name))
	}
	return topics
}

// Addressable reports whether a property or action name can be routed.
// Names must be non-empty and free of the separator and MQTT wildcards.
func Addressable(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/+#")
}

// addressableID reports whether a device id can appear in a subscription.
// Separators are allowed; wildcards are not.
func addressableID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "+#")
}

func addressableNames(names []string) []string {
	out := names[:0:0]
	for _, n := range names {
		if Addressable(n) {
			out = append(out, n)
		}
	}
	return out
}

func join(deviceID string, parts ...string) string {
	var b strings.Builder
	b.WriteString(Root)
	b.WriteByte('/')
	b.WriteString(deviceID)
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}
