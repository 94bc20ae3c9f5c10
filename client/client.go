// Package client provides the NetAppClient façade: one websocket
// connection to a remote service, multiplexed into typed channels,
// with optional H.264 streaming on the image channel, heartbeat and
// reconnect handling.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kapim/era-5g-client/channels"
	"github.com/Kapim/era-5g-client/core/logx"
	"github.com/Kapim/era-5g-client/core/reconnect"
	"github.com/Kapim/era-5g-client/video"
)

// Reserved channel names registered by New. Caller channels with these
// names are rejected with channels.ErrDuplicateChannel.
const (
	ChannelImage   = "image"
	ChannelJSON    = "json"
	ChannelControl = "control"
)

const pingTimeout = 10 * time.Second

// NetAppClient connects an application to a remote service. One
// instance serves one service at a time; Register connects,
// Disconnect tears down, and a disconnected client can Register again.
type NetAppClient struct {
	cfg     Config
	mux     *channels.Mux
	log     zerolog.Logger
	state   stateTracker
	metrics *metricsSet

	framesSent       atomic.Uint64
	chunksSent       atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	sendErrors       atomic.Uint64
	reconnects       atomic.Uint64

	// opMu serializes Register and Disconnect; mu guards the fields.
	opMu sync.Mutex
	mu   sync.Mutex

	registered    bool
	url           string
	announce      map[string]any
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	conn          *channels.WSConn
	sender        *video.DataSender
	loopWG        sync.WaitGroup
}

// New builds a client: validates the config, creates the mux and
// registers the reserved channels plus the caller's. The caller's
// channels usually carry results from the service; their callbacks run
// on the read loop goroutine in arrival order.
func New(cfg Config, reg *channels.Registry, callbacks map[string]channels.CallbackInfo) (*NetAppClient, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = channels.NewRegistry()
	}
	if cfg.Video != nil && cfg.Video.JPEGQuality > 0 {
		reg.Register(channels.ChannelTypeJPEG, channels.JPEGCodec{Quality: cfg.Video.JPEGQuality})
	}

	c := &NetAppClient{
		cfg:     cfg,
		log:     logx.Log.With().Str("client", cfg.ClientID).Logger(),
		metrics: newMetricsSet(),
	}

	mux, err := channels.NewMux(reg,
		channels.WithQueueSize(cfg.QueueSize),
		channels.WithLogger(c.log),
		channels.WithTransportErrorHandler(c.onTransportError),
	)
	if err != nil {
		return nil, err
	}
	c.mux = mux

	imageType := channels.ChannelTypeJPEG
	if cfg.Video != nil && cfg.Video.H264 {
		imageType = channels.ChannelTypeH264
	}
	reserved := []struct {
		name string
		info channels.CallbackInfo
	}{
		{ChannelImage, channels.CallbackInfo{Type: imageType, Callback: c.logInbound(ChannelImage)}},
		{ChannelJSON, channels.CallbackInfo{Type: channels.ChannelTypeJSON, Callback: c.logInbound(ChannelJSON)}},
		{ChannelControl, channels.CallbackInfo{Type: channels.ChannelTypeJSON, Callback: c.logInbound(ChannelControl)}},
	}
	for _, r := range reserved {
		if err := mux.Register(r.name, r.info); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(callbacks))
	for name := range callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := mux.Register(name, callbacks[name]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// logInbound is the default handler for reserved channels the caller
// left unhandled. The service talks back on them (command results,
// echoed errors), so the traffic is logged rather than dropped dark.
func (c *NetAppClient) logInbound(name string) func(channels.Value) {
	return func(v channels.Value) {
		c.log.Debug().Str("channel", name).RawJSON("data", jsonOrNull(v.JSON)).Msg("inbound message")
	}
}

func jsonOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// Register connects to the service at netappURL, announces the stream
// parameters and starts the read loop and heartbeat. ctx bounds the
// dial only; the connection itself lives until Disconnect. With
// WaitUntilAvailable the dial retries on the backoff schedule until the
// service accepts or the timeout passes.
func (c *NetAppClient) Register(ctx context.Context, netappURL string, opts ...RegisterOption) error {
	var ro registerOptions
	for _, o := range opts {
		o(&ro)
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.registered {
		url := c.url
		c.mu.Unlock()
		return fmt.Errorf("already registered with %s", url)
	}
	c.mu.Unlock()

	// A lost connection without AutoReconnect leaves the session behind;
	// release it before starting a new one.
	_ = c.teardown()

	c.setState(StateConnecting)
	c.state.SetNetAppURL(netappURL)

	conn, err := c.dial(ctx, netappURL, ro)
	if err != nil {
		c.setState(StateDisconnected)
		c.state.SetLastError(err)
		return fmt.Errorf("register with %s: %w", netappURL, err)
	}

	announce := c.announceArgs(ro.args)
	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	connCtx, cancelConn := context.WithCancel(sessionCtx)

	fail := func(err error) error {
		cancelConn()
		c.mux.Unbind()
		sessionCancel()
		_ = conn.Close("")
		c.setState(StateDisconnected)
		c.state.SetLastError(err)
		return err
	}

	if err := c.bindAndAnnounce(connCtx, conn, announce); err != nil {
		return fail(err)
	}

	var sender *video.DataSender
	if c.cfg.Video != nil && c.cfg.Video.H264 {
		sender, err = video.NewDataSender(c.cfg.Video.EncoderConfig(), c.cfg.EncoderFactory, muxSink{c})
		if err == nil {
			if err = sender.Start(); err != nil {
				_ = sender.Stop()
			}
		}
		if err != nil {
			return fail(fmt.Errorf("start encode pipeline: %w", err))
		}
	}

	c.mu.Lock()
	c.registered = true
	c.url = netappURL
	c.announce = announce
	c.sessionCtx, c.sessionCancel = sessionCtx, sessionCancel
	c.conn = conn
	c.sender = sender
	c.mu.Unlock()

	c.setState(StateConnected)
	c.state.SetLastError(nil)
	c.log.Info().Str("netapp", netappURL).Msg("registered with service")

	c.loopWG.Add(1)
	go c.serveLoop(sessionCtx, conn, connCtx, cancelConn)
	return nil
}

// dial opens the websocket, retrying on the backoff schedule when the
// caller asked to wait for the service to come up.
func (c *NetAppClient) dial(ctx context.Context, url string, ro registerOptions) (*channels.WSConn, error) {
	if !ro.waitSet {
		return channels.DialWS(ctx, url)
	}

	waitCtx := ctx
	if ro.waitTimeout >= 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, ro.waitTimeout)
		defer cancel()
	}
	attempt := 0
	for {
		conn, err := channels.DialWS(waitCtx, url)
		if err == nil {
			return conn, nil
		}
		if waitCtx.Err() != nil {
			return nil, fmt.Errorf("service not available: %w", err)
		}
		delay := reconnect.Delay(attempt)
		attempt++
		c.log.Warn().Dur("backoff", delay).Err(err).Msg("service not ready, retrying")
		select {
		case <-time.After(delay):
		case <-waitCtx.Done():
			return nil, fmt.Errorf("service not available: %w", err)
		}
	}
}

// announceArgs assembles the payload of the announce command. Stream
// parameters derived from the config overwrite colliding caller keys.
func (c *NetAppClient) announceArgs(extra map[string]any) map[string]any {
	args := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		args[k] = v
	}
	if c.cfg.Video != nil {
		args["h264"] = c.cfg.Video.H264
		if c.cfg.Video.H264 {
			args["fps"] = c.cfg.Video.FPS
			args["width"] = c.cfg.Video.Width
			args["height"] = c.cfg.Video.Height
		}
	}
	return args
}

// bindAndAnnounce attaches conn to the mux and sends the initial
// SET_STATE command. Runs on every connect, first and reconnects
// alike, so the service is reconfigured after a restart.
func (c *NetAppClient) bindAndAnnounce(connCtx context.Context, conn *channels.WSConn, announce map[string]any) error {
	if err := c.mux.Bind(connCtx, conn); err != nil {
		return err
	}
	cmd := ControlCommand{Type: ControlCmdSetState, ClearQueue: true, Data: announce}
	if err := c.mux.Send(ChannelControl, cmd); err != nil {
		c.mux.Unbind()
		return fmt.Errorf("announce: %w", err)
	}
	c.messagesSent.Add(1)
	c.metrics.messagesSent.Inc()
	return nil
}

// serveLoop owns one registration: it serves the current connection,
// and on failure either reconnects or winds the client down. It exits
// when the session context is canceled by Disconnect.
func (c *NetAppClient) serveLoop(ctx context.Context, conn *channels.WSConn, connCtx context.Context, cancelConn context.CancelFunc) {
	defer c.loopWG.Done()
	attempt := 0
	for {
		err := c.serveConn(connCtx, conn)
		cancelConn()
		c.mux.Unbind()
		_ = conn.Close("")

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("connection closed by peer")
		}
		c.state.SetLastError(err)

		if !c.cfg.AutoReconnect {
			c.mu.Lock()
			c.registered = false
			c.conn = nil
			c.mu.Unlock()
			c.setState(StateDisconnected)
			c.log.Warn().Err(err).Msg("connection lost")
			return
		}

		c.setState(StateReconnecting)
		for {
			delay := reconnect.Delay(attempt)
			attempt++
			c.log.Warn().Dur("backoff", delay).Err(err).Msg("connection lost; reconnecting")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}

			newConn, derr := channels.DialWS(ctx, c.currentURL())
			if derr != nil {
				err = derr
				c.state.SetLastError(derr)
				continue
			}
			newCtx, newCancel := context.WithCancel(ctx)
			if berr := c.bindAndAnnounce(newCtx, newConn, c.currentAnnounce()); berr != nil {
				newCancel()
				_ = newConn.Close("")
				err = berr
				c.state.SetLastError(berr)
				continue
			}

			conn, connCtx, cancelConn = newConn, newCtx, newCancel
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			attempt = 0
			c.reconnects.Add(1)
			c.metrics.reconnects.Inc()
			c.setState(StateConnected)
			c.log.Info().Msg("reconnected")
			break
		}
	}
}

// serveConn runs the read loop and the heartbeat for one connection
// and returns when either ends. A failed ping closes the connection,
// which unblocks the read loop.
func (c *NetAppClient) serveConn(ctx context.Context, conn *channels.WSConn) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	var hbWG sync.WaitGroup
	if c.cfg.HeartbeatInterval > 0 {
		hbWG.Add(1)
		go func() {
			defer hbWG.Done()
			c.heartbeat(hbCtx, conn)
		}()
	}
	err := conn.ReadLoop(ctx, c.onMessage)
	hbCancel()
	hbWG.Wait()
	return err
}

func (c *NetAppClient) heartbeat(ctx context.Context, conn *channels.WSConn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn().Err(err).Msg("heartbeat failed, closing connection")
				_ = conn.Close("heartbeat failed")
				return
			}
			c.state.SetLastHeartbeat(time.Now().UTC().Format(time.RFC3339))
		}
	}
}

func (c *NetAppClient) onMessage(data []byte) {
	c.messagesReceived.Add(1)
	c.metrics.messagesReceived.Inc()
	c.mux.HandleMessage(data)
}

// onTransportError fires when a queued message fails at write time and
// the mux drops the transport. Closing the connection makes the read
// loop notice, which feeds the reconnect path. Suppressed during
// Disconnect, where the cancellation is intentional.
func (c *NetAppClient) onTransportError(err error) {
	c.mu.Lock()
	sctx := c.sessionCtx
	conn := c.conn
	c.mu.Unlock()
	if sctx != nil && sctx.Err() != nil {
		return
	}
	c.state.SetLastError(err)
	if conn != nil {
		_ = conn.Close("write failed")
	}
}

func (c *NetAppClient) currentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *NetAppClient) currentAnnounce() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announce
}

// SendImage sends one raw frame to the service. In H.264 mode the
// frame goes through the encode pipeline and its chunks reach the
// image channel with the frame's capture timestamp; in JPEG mode the
// frame is compressed and sent directly. Image traffic is droppable:
// when the queue is full the frame is dropped, never queued stale.
func (c *NetAppClient) SendImage(f video.Frame, opts ...channels.SendOption) error {
	if c.cfg.Video == nil {
		return fmt.Errorf("%w: no video stream configured", video.ErrInvalidConfig)
	}

	c.mu.Lock()
	registered := c.registered
	sender := c.sender
	c.mu.Unlock()
	if !registered {
		err := fmt.Errorf("image: %w", channels.ErrNotConnected)
		c.recordSendError(err)
		return err
	}

	if sender != nil {
		if err := sender.Send(f); err != nil {
			c.recordSendError(err)
			return err
		}
		c.framesSent.Add(1)
		c.metrics.framesSent.Inc()
		return nil
	}

	sendOpts := append([]channels.SendOption{
		channels.WithTimestamp(f.Timestamp),
		channels.CanBeDropped(),
	}, opts...)
	if err := c.mux.Send(ChannelImage, f, sendOpts...); err != nil {
		c.recordSendError(err)
		return err
	}
	c.framesSent.Add(1)
	c.metrics.framesSent.Inc()
	return nil
}

// SendData sends a JSON-serializable value on the named channel. An
// empty name means the reserved json channel. Without CanBeDropped the
// call blocks while the outbound queue is full.
func (c *NetAppClient) SendData(v any, channel string, opts ...channels.SendOption) error {
	if channel == "" {
		channel = ChannelJSON
	}
	if err := c.mux.Send(channel, v, opts...); err != nil {
		c.recordSendError(err)
		return err
	}
	c.messagesSent.Add(1)
	c.metrics.messagesSent.Inc()
	return nil
}

// SendControlCommand sends a command on the reserved control channel.
func (c *NetAppClient) SendControlCommand(cmd ControlCommand) error {
	if err := c.mux.Send(ChannelControl, cmd); err != nil {
		c.recordSendError(err)
		return err
	}
	c.messagesSent.Add(1)
	c.metrics.messagesSent.Inc()
	return nil
}

// Disconnect tears the client down: stops the encode pipeline, unbinds
// the mux, closes the websocket and waits for the loops to exit.
// Idempotent and safe to call concurrently; after it returns, sends
// fail with ErrNotConnected and a new Register reconnects.
func (c *NetAppClient) Disconnect() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	active := c.sessionCancel != nil || c.sender != nil
	c.mu.Unlock()

	err := c.teardown()
	if active {
		c.setState(StateDisconnected)
		c.log.Info().Msg("disconnected")
	}
	return err
}

// teardown releases the current session: cancels its context, unbinds
// the mux, waits for the serve loop and stops the encode pipeline.
// Callers hold opMu.
func (c *NetAppClient) teardown() error {
	c.mu.Lock()
	cancel := c.sessionCancel
	sender := c.sender
	c.registered = false
	c.sessionCancel = nil
	c.sender = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.mux.Unbind()
		c.loopWG.Wait()
	}
	var err error
	if sender != nil {
		err = sender.Stop()
	}
	return err
}

// State returns a snapshot of the client.
func (c *NetAppClient) State() ClientState {
	s := c.state.Get()
	s.ClientID = c.cfg.ClientID
	s.Channels = c.mux.Channels()
	s.FramesSent = c.framesSent.Load()
	s.ChunksSent = c.chunksSent.Load()
	s.MessagesSent = c.messagesSent.Load()
	s.MessagesReceived = c.messagesReceived.Load()
	s.SendErrors = c.sendErrors.Load()
	s.Reconnects = c.reconnects.Load()
	s.Version = GetVersionInfo().Version
	return s
}

func (c *NetAppClient) setState(s string) {
	c.state.SetState(s)
	if s == StateConnected {
		c.metrics.connected.Set(1)
	} else {
		c.metrics.connected.Set(0)
	}
}

func (c *NetAppClient) recordSendError(err error) {
	c.sendErrors.Add(1)
	c.metrics.sendErrors.WithLabelValues(errorKind(err)).Inc()
}

// muxSink feeds encoded chunks to the image channel. Chunks carry
// their source frame's timestamp and are droppable: a full queue drops
// the chunk instead of delaying newer ones.
type muxSink struct {
	c *NetAppClient
}

func (s muxSink) SendChunk(chunk video.EncodedChunk) error {
	err := s.c.mux.Send(ChannelImage, chunk,
		channels.WithTimestamp(chunk.Timestamp),
		channels.CanBeDropped(),
	)
	if err != nil {
		s.c.recordSendError(err)
		return err
	}
	s.c.chunksSent.Add(1)
	s.c.metrics.chunksSent.Inc()
	s.c.metrics.bytesSent.Add(float64(len(chunk.Data)))
	s.c.metrics.chunkLatency.Observe(time.Since(time.Unix(0, chunk.Timestamp)).Seconds())
	return nil
}
