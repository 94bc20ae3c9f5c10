package channels

import "context"

// Transport moves framed envelope bytes to the peer. The multiplexer
// serializes all writes through a single goroutine, so implementations
// do not need to be safe for concurrent Send.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}
