package channels

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the channel layer. Callers match them
// with errors.Is; returned values usually carry additional context
// wrapped around these.
var (
	// ErrDuplicateChannel is returned when registering a channel name
	// that is already bound.
	ErrDuplicateChannel = errors.New("channel already registered")

	// ErrUnknownChannel is returned when sending on a name that was
	// never registered. Nothing reaches the transport in that case.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrNotConnected is returned when sending without a bound
	// transport, or when the transport is lost while a send waits.
	ErrNotConnected = errors.New("not connected")

	// ErrBackPressure is returned by a droppable send when the
	// outbound queue is full. The message was not queued.
	ErrBackPressure = errors.New("outbound queue full")

	// ErrEncodingMismatch is returned when a value does not fit the
	// channel's declared encoding.
	ErrEncodingMismatch = errors.New("value does not match channel encoding")

	// ErrInvalidConfig is returned for configuration rejected at
	// construction time.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// DecodeError describes an inbound payload that could not be decoded
// with the channel's codec. It is delivered to the channel's error
// callback; the raw payload is retained for diagnosis.
type DecodeError struct {
	Channel string
	Type    ChannelType
	Raw     []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload on channel %q: %v", e.Type, e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
