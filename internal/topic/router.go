package topic

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/webthings-mqtt-bridge/internal/webthings"
)

// Message is an outbound topic/payload pair.
// An empty Payload encodes an undefined value.
type Message struct {
	Topic   string
	Payload []byte
}

// Op identifies the device operation an inbound command requests.
type Op int

// Command operations, in decode precedence order.
const (
	OpSetProperty Op = iota + 1
	OpExecuteAction
	OpGetProperty
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpSetProperty:
		return "setProperty"
	case OpExecuteAction:
		return "executeAction"
	case OpGetProperty:
		return "getProperty"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Command is a decoded inbound request.
//
// Value is the property value for OpSetProperty and the action input for
// OpExecuteAction (JSON null when the payload was empty). It is nil for
// OpGetProperty.
type Command struct {
	Op       Op
	DeviceID string
	Name     string
	Value    json.RawMessage
}

// Encode renders a notification as the messages to publish, in order.
// Unknown kinds produce no messages.
func Encode(n webthings.Notification) []Message {
	switch n.Kind {
	case webthings.PropertyChanged:
		return []Message{{Topic: Property(n.DeviceID, n.Name), Payload: payload(n.Value)}}
	case webthings.ActionTriggered:
		return []Message{{Topic: Action(n.DeviceID, n.Name), Payload: payload(n.Value)}}
	case webthings.EventRaised:
		return []Message{{Topic: Event(n.DeviceID, n.Name), Payload: payload(n.Value)}}
	case webthings.ConnectStateChanged:
		state, leaf := []byte("false"), LeafDisconnected
		if n.Connected {
			state, leaf = []byte("true"), LeafConnected
		}
		return []Message{
			{Topic: Lifecycle(n.DeviceID, LeafConnectState), Payload: state},
			{Topic: Lifecycle(n.DeviceID, leaf), Payload: []byte{}},
		}
	case webthings.DeviceAdded:
		return []Message{{Topic: Lifecycle(n.DeviceID, LeafDeviceAdded), Payload: []byte{}}}
	case webthings.DeviceRemoved:
		return []Message{{Topic: Lifecycle(n.DeviceID, LeafDeviceRemoved), Payload: []byte{}}}
	case webthings.DeviceModified:
		return []Message{{Topic: Lifecycle(n.DeviceID, LeafDeviceModified), Payload: []byte{}}}
	default:
		return nil
	}
}

func payload(v json.RawMessage) []byte {
	if len(v) == 0 {
		return []byte{}
	}
	return []byte(v)
}

// decodeRule is one inbound pattern: webthings/<id>/<category>/<name>/<verb>.
type decodeRule struct {
	category string
	verb     string
	op       Op
}

// decodeRules lists inbound patterns in precedence order. The first rule
// whose full pattern matches wins; later rules are not tried.
var decodeRules = []decodeRule{
	{category: CategoryProperties, verb: VerbSet, op: OpSetProperty},
	{category: CategoryActions, verb: VerbExecute, op: OpExecuteAction},
	{category: CategoryProperties, verb: VerbGet, op: OpGetProperty},
}

// match applies the right-anchored greedy split to the topic below the root.
func (r decodeRule) match(rest string) (deviceID, name string, ok bool) {
	rest, ok = strings.CutSuffix(rest, "/"+r.verb)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		return "", "", false
	}
	prefix, name := rest[:i], rest[i+1:]
	deviceID, ok = strings.CutSuffix(prefix, "/"+r.category)
	if !ok || deviceID == "" || name == "" {
		return "", "", false
	}
	return deviceID, name, true
}

// Parse decodes an inbound topic and payload into a Command.
//
// Parameters:
//   - topic: The full MQTT topic the message arrived on
//   - payload: The raw message payload
//
// Returns:
//   - Command: The decoded request
//   - error: ErrUnknownTopic or ErrMalformedPayload (both wrap ErrDecode)
func Parse(topic string, payload []byte) (Command, error) {
	rest, ok := strings.CutPrefix(topic, Root+"/")
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	for _, rule := range decodeRules {
		deviceID, name, ok := rule.match(rest)
		if !ok {
			continue
		}

		cmd := Command{Op: rule.op, DeviceID: deviceID, Name: name}
		switch rule.op {
		case OpSetProperty:
			if !json.Valid(payload) {
				return Command{}, fmt.Errorf("%w: set %s on %s", ErrMalformedPayload, name, deviceID)
			}
			cmd.Value = clone(payload)
		case OpExecuteAction:
			if len(payload) == 0 {
				cmd.Value = json.RawMessage("null")
				break
			}
			if !json.Valid(payload) {
				return Command{}, fmt.Errorf("%w: execute %s on %s", ErrMalformedPayload, name, deviceID)
			}
			cmd.Value = clone(payload)
		}
		return cmd, nil
	}

	return Command{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
}

// clone copies the payload so the command does not alias the transport's buffer.
func clone(b []byte) json.RawMessage {
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
