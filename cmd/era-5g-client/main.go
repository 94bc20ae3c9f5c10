package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kapim/era-5g-client/channels"
	"github.com/Kapim/era-5g-client/client"
	"github.com/Kapim/era-5g-client/core/logx"
	"github.com/Kapim/era-5g-client/gstreamer"
	"github.com/Kapim/era-5g-client/internal/config"
	"github.com/Kapim/era-5g-client/middleware"
	"github.com/Kapim/era-5g-client/video"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.Config
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "era-5g-client version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("era-5g-client version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	client.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logx.Log.Warn().Msg("termination requested")
		cancel()
		<-sigCh
		logx.Log.Warn().Msg("second signal, exiting now")
		os.Exit(1)
	}()

	log := logx.Log.Info().Str("version", version)
	if cfg.UseMiddleware() {
		log = log.Str("middleware", cfg.MiddlewareAddress).Str("task_id", cfg.TaskID)
	} else {
		log = log.Str("netapp_url", cfg.NetAppURL)
	}
	log.Msg("client starting")

	if err := run(ctx, &cfg); err != nil {
		logx.Log.Fatal().Err(err).Msg("client exited")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	netappURL := cfg.NetAppURL
	if cfg.UseMiddleware() {
		u, cleanup, err := deployTask(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		netappURL = u
	}

	callbacks := map[string]channels.CallbackInfo{
		"results": {
			Type: channels.ChannelTypeJSON,
			Callback: func(v channels.Value) {
				logx.Log.Info().Int64("timestamp", v.Timestamp).RawJSON("data", v.JSON).Msg("result received")
			},
		},
	}

	c, err := client.New(client.Config{
		ClientID:          cfg.ClientID,
		AutoReconnect:     cfg.Reconnect,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		QueueSize:         cfg.QueueSize,
		Video: &client.VideoConfig{
			H264:        cfg.H264,
			Width:       cfg.Width,
			Height:      cfg.Height,
			FPS:         cfg.FPS,
			Bitrate:     cfg.Bitrate,
			JPEGQuality: cfg.JPEGQuality,
		},
		EncoderFactory: gstreamer.Encoder,
	}, nil, callbacks)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Disconnect()
	}()

	if cfg.StatusAddr != "" {
		if _, err := c.StartStatusServer(ctx, cfg.StatusAddr); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
	}
	if cfg.MetricsAddr != "" {
		if _, err := c.StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	var opts []client.RegisterOption
	if cfg.WaitTimeout.Std() != 0 {
		opts = append(opts, client.WaitUntilAvailable(cfg.WaitTimeout.Std()))
	}
	if cfg.RobotID != "" {
		opts = append(opts, client.WithArgs(map[string]any{"robot_id": cfg.RobotID}))
	}
	if err := c.Register(ctx, netappURL, opts...); err != nil {
		return err
	}

	src, err := buildSource(cfg)
	if err != nil {
		return err
	}
	frames, err := src.Start(ctx)
	if err != nil {
		return fmt.Errorf("start video source: %w", err)
	}
	defer func() {
		_ = src.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				logx.Log.Info().Msg("video source finished")
				return nil
			}
			if err := c.SendImage(f); err != nil {
				if errors.Is(err, video.ErrPipelineStopped) {
					return err
				}
				logx.Log.Debug().Err(err).Uint64("seq", f.Seq).Msg("frame dropped")
			}
		}
	}
}

// deployTask logs into the middleware gateway, deploys the configured
// task and waits for its service to come up. The returned cleanup
// removes the deployed resources again.
func deployTask(ctx context.Context, cfg *config.Config) (string, func(), error) {
	mw, err := middleware.New(middleware.Config{
		Address:  cfg.MiddlewareAddress,
		User:     cfg.MiddlewareUser,
		Password: cfg.MiddlewarePassword,
	})
	if err != nil {
		return "", nil, err
	}
	if err := mw.Login(ctx); err != nil {
		return "", nil, err
	}
	plan, err := mw.GetPlan(ctx, cfg.TaskID, cfg.ResourceLock)
	if err != nil {
		return "", nil, fmt.Errorf("deploy task %q: %w", cfg.TaskID, err)
	}
	cleanup := func() {
		rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rcancel()
		if err := mw.RemoveResources(rctx, plan.ActionPlanID); err != nil {
			logx.Log.Warn().Err(err).Str("action_plan_id", plan.ActionPlanID).Msg("remove middleware resources")
		}
	}
	serviceURL, err := mw.WaitUntilReady(ctx, plan.ActionPlanID)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("wait for deployment: %w", err)
	}
	return "ws://" + middleware.NetAppAddress(serviceURL), cleanup, nil
}

// buildSource picks the frame source: a camera or video file when
// configured, the synthetic test pattern otherwise.
func buildSource(cfg *config.Config) (video.Source, error) {
	if cfg.VideoDevice != "" || cfg.VideoFile != "" {
		return gstreamer.NewCaptureSource(gstreamer.CaptureConfig{
			Device:   cfg.VideoDevice,
			Location: cfg.VideoFile,
			Width:    cfg.Width,
			Height:   cfg.Height,
			FPS:      cfg.FPS,
		})
	}
	return video.NewTestPattern(cfg.Width, cfg.Height, cfg.FPS)
}
