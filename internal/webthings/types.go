package webthings

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

// Device is a snapshot of a thing as described by the gateway.
// It is a plain value; the gateway remains the owner of the device.
type Device struct {
	ID         string
	Title      string
	Properties map[string]PropertyDescription
	Actions    map[string]ActionDescription
	Events     map[string]EventDescription
}

// PropertyDescription describes a single property of a device.
type PropertyDescription struct {
	Title    string `json:"title,omitempty"`
	Type     string `json:"type,omitempty"`
	Unit     string `json:"unit,omitempty"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// ActionDescription describes a single action of a device.
type ActionDescription struct {
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// EventDescription describes a single event type a device can raise.
type EventDescription struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

// PropertyNames returns the device's property names in sorted order.
func (d Device) PropertyNames() []string {
	return sortedKeys(d.Properties)
}

// ActionNames returns the device's action names in sorted order.
func (d Device) ActionNames() []string {
	return sortedKeys(d.Actions)
}

// EventNames returns the device's event names in sorted order.
func (d Device) EventNames() []string {
	return sortedKeys(d.Events)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// thingDescription is the gateway's JSON rendering of a thing.
type thingDescription struct {
	ID         string                         `json:"id"`
	Href       string                         `json:"href"`
	Title      string                         `json:"title"`
	Name       string                         `json:"name"` // pre-1.0 gateways
	Properties map[string]PropertyDescription `json:"properties"`
	Actions    map[string]ActionDescription   `json:"actions"`
	Events     map[string]EventDescription    `json:"events"`
}

// parseDevice decodes a thing description into a Device.
func parseDevice(data []byte) (Device, error) {
	var td thingDescription
	if err := json.Unmarshal(data, &td); err != nil {
		return Device{}, fmt.Errorf("decoding thing description: %w", err)
	}

	ref := td.Href
	if ref == "" {
		ref = td.ID
	}
	id := deviceIDFromRef(ref)
	if id == "" {
		return Device{}, fmt.Errorf("thing description has no id")
	}

	title := td.Title
	if title == "" {
		title = td.Name
	}

	dev := Device{
		ID:         id,
		Title:      title,
		Properties: td.Properties,
		Actions:    td.Actions,
		Events:     td.Events,
	}
	if dev.Properties == nil {
		dev.Properties = map[string]PropertyDescription{}
	}
	if dev.Actions == nil {
		dev.Actions = map[string]ActionDescription{}
	}
	if dev.Events == nil {
		dev.Events = map[string]EventDescription{}
	}
	return dev, nil
}

// deviceIDFromRef extracts a device id from a thing reference. The gateway
// uses full URLs ("https://gw/things/lamp1"), paths ("/things/lamp1") or bare
// ids ("lamp1") depending on version and message type.
func deviceIDFromRef(ref string) string {
	ref = strings.TrimRight(ref, "/")
	if ref == "" {
		return ""
	}
	if !strings.Contains(ref, "/") {
		return ref
	}
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.EscapedPath()
	}
	id := path.Base(p)
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	return id
}

// Kind identifies the type of a Notification.
type Kind int

// Notification kinds, in the order the bridge documents them.
const (
	PropertyChanged Kind = iota + 1
	ActionTriggered
	EventRaised
	ConnectStateChanged
	DeviceAdded
	DeviceRemoved
	DeviceModified
)

// String returns the notification kind's name.
func (k Kind) String() string {
	switch k {
	case PropertyChanged:
		return "propertyChanged"
	case ActionTriggered:
		return "actionTriggered"
	case EventRaised:
		return "eventRaised"
	case ConnectStateChanged:
		return "connectStateChanged"
	case DeviceAdded:
		return "deviceAdded"
	case DeviceRemoved:
		return "deviceRemoved"
	case DeviceModified:
		return "deviceModified"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notification is a normalised device-side change.
//
// Name is the property, action or event name (empty for lifecycle kinds).
// Value carries the property value, action input or event info as raw JSON;
// nil means the gateway supplied no value. Connected is only meaningful for
// ConnectStateChanged.
type Notification struct {
	Kind      Kind
	DeviceID  string
	Name      string
	Value     json.RawMessage
	Connected bool
}
