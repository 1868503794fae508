package webthings

import "errors"

// Domain errors for the WebThings gateway client.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when the gateway cannot be reached
	// or the initial device synchronisation fails.
	ErrConnectionFailed = errors.New("webthings: connection failed")

	// ErrConnectionLost is reported by Err() after the notification stream drops.
	ErrConnectionLost = errors.New("webthings: connection lost")

	// ErrClosed is returned when an operation is attempted after Close().
	ErrClosed = errors.New("webthings: client closed")

	// ErrDeviceNotFound is returned when the gateway does not know a device id.
	ErrDeviceNotFound = errors.New("webthings: device not found")

	// ErrPropertyNotFound is returned when a device has no property of the given name.
	ErrPropertyNotFound = errors.New("webthings: property not found")

	// ErrActionNotFound is returned when a device has no action of the given name.
	ErrActionNotFound = errors.New("webthings: action not found")

	// ErrRequestFailed is returned when the gateway answers a REST call with an error status.
	ErrRequestFailed = errors.New("webthings: request failed")

	// ErrGatewayNotFound is returned when mDNS discovery finds no gateway in time.
	ErrGatewayNotFound = errors.New("webthings: no gateway discovered")
)
