package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Kapim/era-5g-client/video"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	entered chan struct{} // signaled when Send is entered
	gate    chan struct{} // when non-nil, Send blocks until closed
	fail    error
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close(reason string) error { return nil }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) envelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.sent))
	for _, b := range f.sent {
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("sent frame is not an envelope: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newBoundMux(t *testing.T, ft *fakeTransport, opts ...Option) (*Mux, context.CancelFunc) {
	t.Helper()
	m, err := NewMux(nil, opts...)
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Bind(ctx, ft); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		m.Unbind()
	})
	return m, cancel
}

func discard(Value) {}

func TestNewMuxRejectsQueueBelowOne(t *testing.T) {
	if _, err := NewMux(nil, WithQueueSize(0)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if _, err := NewMux(nil, WithQueueSize(-3)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	m, err := NewMux(nil)
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}
	if err := m.Register("", CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("empty name: got %v", err)
	}
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJSON}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil callback: got %v", err)
	}
	if err := m.Register("a", CallbackInfo{Type: ChannelType(42), Callback: discard}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad type: got %v", err)
	}
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJPEG, Callback: discard}); !errors.Is(err, ErrDuplicateChannel) {
		t.Errorf("duplicate: got %v", err)
	}
}

func TestSendUnknownChannelTouchesNothing(t *testing.T) {
	ft := &fakeTransport{}
	m, _ := newBoundMux(t, ft)

	err := m.Send("nope", map[string]int{"x": 1})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := ft.count(); n != 0 {
		t.Errorf("transport saw %d writes, expected none", n)
	}
}

func TestSendBeforeBind(t *testing.T) {
	m, err := NewMux(nil)
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Send("a", map[string]int{"x": 1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSendPreservesPerChannelOrder(t *testing.T) {
	ft := &fakeTransport{}
	m, _ := newBoundMux(t, ft, WithQueueSize(64))
	for _, name := range []string{"a", "b"} {
		if err := m.Register(name, CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	const n = 20
	for i := 0; i < n; i++ {
		if err := m.Send("a", map[string]int{"seq": i}); err != nil {
			t.Fatalf("send a %d: %v", i, err)
		}
		if err := m.Send("b", map[string]int{"seq": i}); err != nil {
			t.Fatalf("send b %d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return ft.count() == 2*n })

	seqs := map[string][]int{}
	for _, env := range ft.envelopes(t) {
		var body struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			t.Fatalf("payload: %v", err)
		}
		seqs[env.Event] = append(seqs[env.Event], body.Seq)
	}
	for _, name := range []string{"a", "b"} {
		got := seqs[name]
		if len(got) != n {
			t.Fatalf("channel %s: %d messages, expected %d", name, len(got), n)
		}
		for i, s := range got {
			if s != i {
				t.Fatalf("channel %s out of order at %d: %v", name, i, got)
			}
		}
	}
}

func TestSendTimestamps(t *testing.T) {
	ft := &fakeTransport{}
	m, _ := newBoundMux(t, ft)
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); err != nil {
		t.Fatalf("register: %v", err)
	}

	before := time.Now().UnixNano()
	if err := m.Send("a", map[string]int{"x": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.Send("a", map[string]int{"x": 2}, WithTimestamp(12345)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ft.count() == 2 })

	envs := ft.envelopes(t)
	if envs[0].Timestamp < before {
		t.Errorf("default timestamp %d is before the send", envs[0].Timestamp)
	}
	if envs[1].Timestamp != 12345 {
		t.Errorf("explicit timestamp not carried: %d", envs[1].Timestamp)
	}
}

func TestBackPressure(t *testing.T) {
	ft := &fakeTransport{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	m, _ := newBoundMux(t, ft, WithQueueSize(2))
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// First message: the writer picks it up and parks inside the
	// transport, leaving the queue empty.
	if err := m.Send("a", map[string]int{"n": 0}); err != nil {
		t.Fatalf("send 0: %v", err)
	}
	<-ft.entered

	// Fill the queue.
	for i := 1; i <= 2; i++ {
		if err := m.Send("a", map[string]int{"n": i}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// Droppable send against the full queue fails fast.
	err := m.Send("a", map[string]int{"n": 3}, CanBeDropped())
	if !errors.Is(err, ErrBackPressure) {
		t.Fatalf("expected ErrBackPressure, got %v", err)
	}

	// Blocking send waits until the writer drains.
	res := make(chan error, 1)
	go func() { res <- m.Send("a", map[string]int{"n": 4}) }()
	select {
	case err := <-res:
		t.Fatalf("blocking send returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(ft.gate)
	select {
	case err := <-res:
		if err != nil {
			t.Fatalf("blocking send after drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking send never completed")
	}
	waitFor(t, 2*time.Second, func() bool { return ft.count() == 4 })
}

func TestUnbindUnblocksWaitingSender(t *testing.T) {
	ft := &fakeTransport{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	m, err := NewMux(nil, WithQueueSize(1))
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Bind(ctx, ft); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.Send("a", map[string]int{"n": 0}); err != nil {
		t.Fatalf("send 0: %v", err)
	}
	<-ft.entered
	if err := m.Send("a", map[string]int{"n": 1}); err != nil {
		t.Fatalf("send 1: %v", err)
	}

	res := make(chan error, 1)
	go func() { res <- m.Send("a", map[string]int{"n": 2}) }()
	select {
	case err := <-res:
		t.Fatalf("sender returned before unbind: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	m.Unbind()

	select {
	case err := <-res:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sender still blocked after unbind")
	}
	if m.Connected() {
		t.Error("mux still reports connected")
	}
}

func TestWriteFailureTearsDownTransport(t *testing.T) {
	boom := fmt.Errorf("wire broke")
	ft := &fakeTransport{fail: boom}
	hookErr := make(chan error, 1)
	m, err := NewMux(nil, WithTransportErrorHandler(func(e error) { hookErr <- e }))
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Bind(ctx, ft); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := m.Register("a", CallbackInfo{Type: ChannelTypeJSON, Callback: discard}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.Send("a", map[string]int{"x": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case e := <-hookErr:
		if !errors.Is(e, boom) {
			t.Fatalf("hook got %v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transport error hook never fired")
	}
	waitFor(t, time.Second, func() bool { return !m.Connected() })
	if err := m.Send("a", map[string]int{"x": 2}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after failure, got %v", err)
	}
}

func TestInboundDispatchAndIsolation(t *testing.T) {
	m, err := NewMux(nil)
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}

	var okCount, errCount, plainCount int
	if err := m.Register("lz", CallbackInfo{
		Type:     ChannelTypeJSONLZ4,
		Callback: func(Value) { okCount++ },
		OnError:  func(error) { errCount++ },
	}); err != nil {
		t.Fatalf("register lz: %v", err)
	}
	if err := m.Register("plain", CallbackInfo{
		Type:     ChannelTypeJSON,
		Callback: func(Value) { plainCount++ },
	}); err != nil {
		t.Fatalf("register plain: %v", err)
	}

	// Corrupted LZ4 payload: error callback exactly once, success
	// callback never.
	garbage, _ := json.Marshal([]byte("this is not lz4"))
	env, _ := json.Marshal(Envelope{Event: "lz", Type: ChannelTypeJSONLZ4, Timestamp: 1, Data: garbage})
	m.HandleMessage(env)
	if errCount != 1 || okCount != 0 {
		t.Fatalf("corrupted payload: ok=%d err=%d", okCount, errCount)
	}

	// Other channels keep delivering.
	env, _ = json.Marshal(Envelope{Event: "plain", Type: ChannelTypeJSON, Timestamp: 2, Data: json.RawMessage(`{"x":1}`)})
	m.HandleMessage(env)
	if plainCount != 1 {
		t.Fatalf("plain channel did not deliver, count=%d", plainCount)
	}
	if errCount != 1 {
		t.Fatalf("error callback fired again: %d", errCount)
	}

	// Unknown events are dropped without effect.
	env, _ = json.Marshal(Envelope{Event: "ghost", Type: ChannelTypeJSON, Timestamp: 3, Data: json.RawMessage(`{}`)})
	m.HandleMessage(env)
	if okCount != 0 || errCount != 1 || plainCount != 1 {
		t.Fatal("unknown event changed callback counts")
	}
}

func TestInboundValueCarriesTimestamp(t *testing.T) {
	m, _ := NewMux(nil)
	got := make(chan Value, 1)
	if err := m.Register("r", CallbackInfo{Type: ChannelTypeJSON, Callback: func(v Value) { got <- v }}); err != nil {
		t.Fatalf("register: %v", err)
	}
	env, _ := json.Marshal(Envelope{Event: "r", Type: ChannelTypeJSON, Timestamp: 777, Data: json.RawMessage(`{"ok":true}`)})
	m.HandleMessage(env)
	select {
	case v := <-got:
		if v.Timestamp != 777 || v.Channel != "r" {
			t.Errorf("value metadata wrong: %+v", v)
		}
	default:
		t.Fatal("callback not invoked")
	}
}

func TestCallbackPanicDoesNotKillDispatch(t *testing.T) {
	m, _ := NewMux(nil)
	var after int
	if err := m.Register("bad", CallbackInfo{Type: ChannelTypeJSON, Callback: func(Value) { panic("handler bug") }}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("good", CallbackInfo{Type: ChannelTypeJSON, Callback: func(Value) { after++ }}); err != nil {
		t.Fatalf("register: %v", err)
	}

	env, _ := json.Marshal(Envelope{Event: "bad", Type: ChannelTypeJSON, Timestamp: 1, Data: json.RawMessage(`{}`)})
	m.HandleMessage(env)
	env, _ = json.Marshal(Envelope{Event: "good", Type: ChannelTypeJSON, Timestamp: 2, Data: json.RawMessage(`{}`)})
	m.HandleMessage(env)

	if after != 1 {
		t.Errorf("dispatch died after panic: %d", after)
	}
	if got := m.Stats().CallbackPanics; got != 1 {
		t.Errorf("panic counter = %d", got)
	}
}

type stubDecoder struct {
	frames int
	fail   error
	closed bool
}

func (d *stubDecoder) Decode(chunk []byte, ts int64) ([]video.Frame, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	out := make([]video.Frame, d.frames)
	for i := range out {
		out[i] = video.Frame{Data: []byte{0, 0, 0}, Width: 1, Height: 1, Timestamp: ts}
	}
	return out, nil
}

func (d *stubDecoder) Close() error {
	d.closed = true
	return nil
}

func TestH264ChannelDecoder(t *testing.T) {
	m, _ := NewMux(nil)
	dec := &stubDecoder{frames: 2}
	var frames []Value
	if err := m.Register("vid", CallbackInfo{
		Type:     ChannelTypeH264,
		Callback: func(v Value) { frames = append(frames, v) },
		Decoder:  dec,
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	chunk, _ := json.Marshal([]byte{0, 0, 0, 1, 0x65})
	env, _ := json.Marshal(Envelope{Event: "vid", Type: ChannelTypeH264, Timestamp: 555, Data: chunk})
	m.HandleMessage(env)

	if len(frames) != 2 {
		t.Fatalf("expected 2 decoded frames, got %d", len(frames))
	}
	for _, v := range frames {
		if v.Frame == nil || v.Timestamp != 555 {
			t.Errorf("decoded value wrong: %+v", v)
		}
	}

	m.Unregister("vid")
	if !dec.closed {
		t.Error("decoder not closed on unregister")
	}
}

func TestH264DecoderFailureHitsErrorCallback(t *testing.T) {
	m, _ := NewMux(nil)
	var derr error
	if err := m.Register("vid", CallbackInfo{
		Type:     ChannelTypeH264,
		Callback: discard,
		OnError:  func(e error) { derr = e },
		Decoder:  &stubDecoder{fail: errors.New("bitstream corrupt")},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	chunk, _ := json.Marshal([]byte{1, 2, 3})
	env, _ := json.Marshal(Envelope{Event: "vid", Type: ChannelTypeH264, Timestamp: 1, Data: chunk})
	m.HandleMessage(env)

	var de *DecodeError
	if !errors.As(derr, &de) {
		t.Fatalf("expected DecodeError, got %v", derr)
	}
	if de.Channel != "vid" || de.Type != ChannelTypeH264 {
		t.Errorf("decode error metadata wrong: %+v", de)
	}
}

func TestEnvelopeLoopback(t *testing.T) {
	ft := &fakeTransport{}
	m, _ := newBoundMux(t, ft)

	got := make(chan Value, 1)
	if err := m.Register("image", CallbackInfo{Type: ChannelTypeJPEG, Callback: func(v Value) { got <- v }}); err != nil {
		t.Fatalf("register: %v", err)
	}

	frame := video.Frame{Data: make([]byte, 8*6*3), Width: 8, Height: 6, Timestamp: 31337}
	if err := m.Send("image", frame, WithTimestamp(frame.Timestamp)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, time.Second, func() bool { return ft.count() == 1 })

	envs := ft.envelopes(t)
	if envs[0].Event != "image" || envs[0].Type != ChannelTypeJPEG || envs[0].Timestamp != 31337 {
		t.Fatalf("envelope fields wrong: %+v", envs[0])
	}
	var b64 string
	if err := json.Unmarshal(envs[0].Data, &b64); err != nil {
		t.Fatalf("binary payload is not a base64 string: %v", err)
	}

	ft.mu.Lock()
	wire := ft.sent[0]
	ft.mu.Unlock()
	m.HandleMessage(wire)
	select {
	case v := <-got:
		if v.Frame == nil || v.Frame.Width != 8 || v.Frame.Height != 6 {
			t.Errorf("loopback frame wrong: %+v", v.Frame)
		}
		if v.Timestamp != 31337 {
			t.Errorf("loopback timestamp wrong: %d", v.Timestamp)
		}
	default:
		t.Fatal("loopback message not delivered")
	}
}
