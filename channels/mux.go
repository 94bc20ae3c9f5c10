package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kapim/era-5g-client/core/logx"
)

// DefaultQueueSize is the outbound queue capacity when none is given.
const DefaultQueueSize = 5

// Option configures a Mux.
type Option func(*Mux)

// WithQueueSize sets the outbound queue capacity. Values below 1 make
// NewMux fail.
func WithQueueSize(n int) Option {
	return func(m *Mux) { m.capacity = n }
}

// WithLogger replaces the shared logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mux) { m.log = l }
}

// WithTransportErrorHandler installs a hook invoked once when a queued
// message fails at write time and the transport is torn down.
func WithTransportErrorHandler(fn func(error)) Option {
	return func(m *Mux) { m.onTransportErr = fn }
}

// SendOption adjusts a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	timestamp int64
	droppable bool
}

// WithTimestamp stamps the envelope with the given time instead of the
// send-time clock. Video chunks use it to carry the capture time of
// their source frame.
func WithTimestamp(ns int64) SendOption {
	return func(o *sendOptions) { o.timestamp = ns }
}

// CanBeDropped marks the message as droppable: when the outbound queue
// is full the send returns ErrBackPressure immediately instead of
// blocking.
func CanBeDropped() SendOption {
	return func(o *sendOptions) { o.droppable = true }
}

type channelBinding struct {
	name  string
	codec Codec
	info  CallbackInfo
}

type queued struct {
	channel string
	payload []byte
}

// Mux owns channel registration, outbound sending and inbound dispatch
// for one logical connection. Channels can be registered before or
// after a transport is bound; registrations survive rebinds.
type Mux struct {
	reg            *Registry
	log            zerolog.Logger
	capacity       int
	onTransportErr func(error)

	mu       sync.RWMutex
	bindings map[string]*channelBinding
	tr       Transport
	out      chan queued
	done     chan struct{}
	wg       sync.WaitGroup

	sent       atomic.Uint64
	delivered  atomic.Uint64
	queueDrops atomic.Uint64
	decodeErrs atomic.Uint64
	panics     atomic.Uint64
}

// MuxStats is a counter snapshot for the status surface.
type MuxStats struct {
	Sent           uint64 `json:"sent"`
	Delivered      uint64 `json:"delivered"`
	QueueDrops     uint64 `json:"queue_drops"`
	DecodeErrors   uint64 `json:"decode_errors"`
	CallbackPanics uint64 `json:"callback_panics"`
}

// NewMux creates a multiplexer over the given codec registry. A nil
// registry gets the built-in codecs.
func NewMux(reg *Registry, opts ...Option) (*Mux, error) {
	if reg == nil {
		reg = NewRegistry()
	}
	m := &Mux{
		reg:      reg,
		log:      logx.Log,
		capacity: DefaultQueueSize,
		bindings: make(map[string]*channelBinding),
	}
	for _, o := range opts {
		o(m)
	}
	if m.capacity < 1 {
		return nil, fmt.Errorf("%w: queue size must be at least 1, got %d", ErrInvalidConfig, m.capacity)
	}
	return m, nil
}

// Register binds a channel name to a payload type and its handlers.
func (m *Mux) Register(name string, cb CallbackInfo) error {
	if name == "" {
		return fmt.Errorf("%w: empty channel name", ErrInvalidConfig)
	}
	if cb.Callback == nil {
		return fmt.Errorf("%w: channel %q has no callback", ErrInvalidConfig, name)
	}
	if !cb.Type.Valid() {
		return fmt.Errorf("%w: channel %q has unknown type %d", ErrInvalidConfig, name, int(cb.Type))
	}
	codec, ok := m.reg.Get(cb.Type)
	if !ok {
		return fmt.Errorf("%w: no codec for type %s", ErrInvalidConfig, cb.Type)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.bindings[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateChannel, name)
	}
	m.bindings[name] = &channelBinding{name: name, codec: codec, info: cb}
	return nil
}

// Unregister removes a channel. Inbound messages for the name are then
// treated as unknown. A decoder attached to the channel is closed.
func (m *Mux) Unregister(name string) {
	m.mu.Lock()
	b, ok := m.bindings[name]
	delete(m.bindings, name)
	m.mu.Unlock()
	if ok && b.info.Decoder != nil {
		if err := b.info.Decoder.Close(); err != nil {
			m.log.Warn().Str("channel", name).Err(err).Msg("closing channel decoder")
		}
	}
}

// Channels returns the registered channel names, sorted.
func (m *Mux) Channels() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.bindings))
	for name := range m.bindings {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Connected reports whether a transport is currently bound.
func (m *Mux) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tr != nil
}

// Stats returns a counter snapshot.
func (m *Mux) Stats() MuxStats {
	return MuxStats{
		Sent:           m.sent.Load(),
		Delivered:      m.delivered.Load(),
		QueueDrops:     m.queueDrops.Load(),
		DecodeErrors:   m.decodeErrs.Load(),
		CallbackPanics: m.panics.Load(),
	}
}

// Bind attaches a live transport and starts the writer goroutine. ctx
// bounds all writes on this transport; cancel it before or together
// with Unbind.
func (m *Mux) Bind(ctx context.Context, tr Transport) error {
	m.mu.Lock()
	if m.tr != nil {
		m.mu.Unlock()
		return fmt.Errorf("transport already bound")
	}
	out := make(chan queued, m.capacity)
	done := make(chan struct{})
	m.tr, m.out, m.done = tr, out, done
	m.mu.Unlock()

	m.wg.Add(1)
	go m.writeLoop(ctx, tr, out, done)
	return nil
}

// Unbind detaches the transport. Pending and subsequent sends fail
// with ErrNotConnected; messages still queued are dropped and counted.
// Unbind never blocks waiting for the queue to drain.
func (m *Mux) Unbind() {
	m.mu.Lock()
	if m.tr == nil {
		m.mu.Unlock()
		return
	}
	m.tr = nil
	pending := len(m.out)
	close(m.done)
	m.out, m.done = nil, nil
	m.mu.Unlock()

	if pending > 0 {
		m.queueDrops.Add(uint64(pending))
		m.log.Warn().Int("dropped", pending).Msg("unbound with queued messages")
	}
	m.wg.Wait()
}

func (m *Mux) writeLoop(ctx context.Context, tr Transport, out <-chan queued, done <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-done:
			return
		default:
		}
		select {
		case q := <-out:
			if err := tr.Send(ctx, q.payload); err != nil {
				m.log.Error().Str("channel", q.channel).Err(err).Msg("transport write failed")
				m.failTransport(tr, err)
				return
			}
			m.sent.Add(1)
		case <-done:
			return
		case <-ctx.Done():
			m.failTransport(tr, ctx.Err())
			return
		}
	}
}

// failTransport tears down the bound transport after a write failure.
// No-op when the failing transport was already replaced.
func (m *Mux) failTransport(tr Transport, err error) {
	m.mu.Lock()
	if m.tr != tr {
		m.mu.Unlock()
		return
	}
	m.tr = nil
	pending := len(m.out)
	close(m.done)
	m.out, m.done = nil, nil
	m.mu.Unlock()

	if pending > 0 {
		m.queueDrops.Add(uint64(pending))
	}
	if m.onTransportErr != nil {
		m.onTransportErr(err)
	}
}

// Send encodes v with the channel's codec and queues the envelope for
// the writer goroutine. Messages queue in call order, which is the
// order they reach the wire. Without CanBeDropped the call blocks while
// the queue is full; with it a full queue fails fast with
// ErrBackPressure.
func (m *Mux) Send(name string, v any, opts ...SendOption) error {
	var so sendOptions
	for _, o := range opts {
		o(&so)
	}

	m.mu.RLock()
	b, ok := m.bindings[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}

	// Encoding happens outside any lock; only queue order is serialized.
	payload, err := b.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("channel %q: %w", name, err)
	}
	env, err := m.seal(b, payload, so.timestamp)
	if err != nil {
		return fmt.Errorf("channel %q: %w", name, err)
	}

	m.mu.RLock()
	tr, out, done := m.tr, m.out, m.done
	m.mu.RUnlock()
	if tr == nil {
		return fmt.Errorf("channel %q: %w", name, ErrNotConnected)
	}

	q := queued{channel: name, payload: env}
	if so.droppable {
		select {
		case out <- q:
		default:
			m.queueDrops.Add(1)
			return fmt.Errorf("channel %q: %w", name, ErrBackPressure)
		}
	} else {
		select {
		case out <- q:
		case <-done:
			return fmt.Errorf("channel %q: %w", name, ErrNotConnected)
		}
	}
	// The queue accepted the message, but if the transport went away in
	// the meantime the writer will never pick it up. Report that as a
	// failure rather than losing it silently.
	select {
	case <-done:
		return fmt.Errorf("channel %q: %w", name, ErrNotConnected)
	default:
	}
	return nil
}

// seal wraps codec payload bytes into a marshaled envelope. Binary
// payloads ride as base64 strings, JSON payloads as-is.
func (m *Mux) seal(b *channelBinding, payload []byte, ts int64) ([]byte, error) {
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	var raw json.RawMessage
	if b.codec.Binary() {
		enc, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = enc
	} else {
		raw = payload
	}
	return json.Marshal(Envelope{Event: b.name, Type: b.info.Type, Timestamp: ts, Data: raw})
}

// HandleMessage is the inbound path, called by the transport read loop
// for every received frame. Dispatch is sequential: callbacks for one
// channel run in arrival order.
func (m *Mux) HandleMessage(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.log.Warn().Err(err).Msg("discarding malformed message")
		return
	}

	m.mu.RLock()
	b, ok := m.bindings[env.Event]
	m.mu.RUnlock()
	if !ok {
		m.log.Debug().Str("event", env.Event).Msg("message for unknown channel")
		return
	}

	payload, err := unwrapPayload(b.codec, env.Data)
	if err == nil {
		var v Value
		v, err = b.codec.Decode(payload)
		if err == nil {
			v.Channel = env.Event
			v.Timestamp = env.Timestamp
			if v.Frame != nil && v.Frame.Timestamp == 0 {
				v.Frame.Timestamp = env.Timestamp
			}
			m.deliver(b, v, env.Timestamp)
			return
		}
	}
	m.decodeErrs.Add(1)
	m.dispatchError(b, &DecodeError{Channel: env.Event, Type: b.info.Type, Raw: env.Data, Err: err})
}

// unwrapPayload recovers codec payload bytes from the envelope data
// field: base64 decode for binary codecs, pass-through for JSON ones.
func unwrapPayload(c Codec, data json.RawMessage) ([]byte, error) {
	if !c.Binary() {
		return data, nil
	}
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("payload is not a base64 string: %w", err)
	}
	return raw, nil
}

func (m *Mux) deliver(b *channelBinding, v Value, ts int64) {
	if b.info.Type == ChannelTypeH264 && b.info.Decoder != nil {
		frames, err := b.info.Decoder.Decode(v.Bytes, ts)
		if err != nil {
			m.decodeErrs.Add(1)
			m.dispatchError(b, &DecodeError{Channel: b.name, Type: b.info.Type, Raw: v.Bytes, Err: err})
			return
		}
		for i := range frames {
			f := frames[i]
			m.invoke(b, Value{Channel: b.name, Type: b.info.Type, Timestamp: f.Timestamp, Frame: &f})
		}
		return
	}
	m.invoke(b, v)
}

// invoke runs the success callback with a panic guard. A panicking
// callback must not take the connection down with it.
func (m *Mux) invoke(b *channelBinding, v Value) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			m.log.Error().Str("channel", b.name).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("channel callback panicked")
		}
	}()
	b.info.Callback(v)
	m.delivered.Add(1)
}

func (m *Mux) dispatchError(b *channelBinding, derr *DecodeError) {
	if b.info.OnError == nil {
		m.log.Error().Str("channel", b.name).Err(derr).Msg("decode failed, message dropped")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			m.log.Error().Str("channel", b.name).Interface("panic", r).
				Bytes("stack", debug.Stack()).Msg("channel error callback panicked")
		}
	}()
	b.info.OnError(derr)
}
