package channels

import "encoding/json"

// Envelope is one wire message, serialized as JSON and carried in a
// single websocket text frame. Data holds the codec payload: a raw
// JSON value for JSON-typed channels, a base64 string for binary ones.
// Timestamp is nanoseconds since the Unix epoch: the send-time clock
// for plain data, the source-frame capture time for video chunks.
type Envelope struct {
	Event     string          `json:"event"`
	Type      ChannelType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
