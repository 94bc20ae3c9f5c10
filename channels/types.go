// Package channels implements the typed multi-channel message protocol:
// named channels sharing one connection, each with a declared payload
// encoding, with per-channel dispatch of inbound traffic.
package channels

import "fmt"

// ChannelType identifies the payload encoding of a channel. The integer
// values are part of the wire protocol and must not be renumbered.
type ChannelType int

const (
	ChannelTypeJSON    ChannelType = 1
	ChannelTypeJSONLZ4 ChannelType = 2
	ChannelTypeH264    ChannelType = 3
	ChannelTypeJPEG    ChannelType = 4
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTypeJSON:
		return "json"
	case ChannelTypeJSONLZ4:
		return "json_lz4"
	case ChannelTypeH264:
		return "h264"
	case ChannelTypeJPEG:
		return "jpeg"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether t is one of the defined channel types.
func (t ChannelType) Valid() bool {
	return t >= ChannelTypeJSON && t <= ChannelTypeJPEG
}
