package topic

import (
	"errors"
	"fmt"
)

// ErrDecode is the parent of every inbound decoding failure.
// Use errors.Is(err, ErrDecode) to treat them uniformly.
var ErrDecode = errors.New("topic: decode failed")

// Decode failure kinds. Both wrap ErrDecode.
var (
	// ErrUnknownTopic is returned when an inbound topic matches no command pattern.
	ErrUnknownTopic = fmt.Errorf("%w: unknown topic", ErrDecode)

	// ErrMalformedPayload is returned when a command payload is not valid JSON.
	ErrMalformedPayload = fmt.Errorf("%w: malformed payload", ErrDecode)
)
