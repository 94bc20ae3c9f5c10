package client

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Kapim/era-5g-client/channels"
	"github.com/Kapim/era-5g-client/core/logx"
	"github.com/Kapim/era-5g-client/video"
)

// metricsSet holds one client's collectors on a dedicated registry.
// Collectors are per instance rather than package globals because one
// process can run several clients against different services.
type metricsSet struct {
	reg *prometheus.Registry

	framesSent       prometheus.Counter
	chunksSent       prometheus.Counter
	bytesSent        prometheus.Counter
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	reconnects       prometheus.Counter
	sendErrors       *prometheus.CounterVec
	connected        prometheus.Gauge
	chunkLatency     prometheus.Histogram
}

func newMetricsSet() *metricsSet {
	m := &metricsSet{
		reg: prometheus.NewRegistry(),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "era5g_client_frames_sent_total",
			Help: "Total number of raw frames accepted by SendImage",
		}),
		chunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "era5g_client_chunks_sent_total",
			Help: "Total number of encoded video chunks queued for the wire",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "era5g_client_video_bytes_sent_total",
			Help: "Total encoded video payload bytes queued for the wire",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "era5g_client_messages_sent_total",
			Help: "Total number of data and control messages sent",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "era5g_client_messages_received_total",
			Help: "Total number of messages received from the service",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "era5g_client_reconnects_total",
			Help: "Total number of successful reconnects",
		}),
		sendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "era5g_client_send_errors_total",
			Help: "Total number of failed sends by failure kind",
		}, []string{"kind"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "era5g_client_connected",
			Help: "Whether the client is connected to the service (1 or 0)",
		}),
		chunkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "era5g_client_chunk_latency_seconds",
			Help:    "Time from frame capture to the encoded chunk entering the send queue",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.reg.MustRegister(
		m.framesSent,
		m.chunksSent,
		m.bytesSent,
		m.messagesSent,
		m.messagesReceived,
		m.reconnects,
		m.sendErrors,
		m.connected,
		m.chunkLatency,
	)
	return m
}

// errorKind buckets a send failure for the send_errors metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, channels.ErrBackPressure):
		return "backpressure"
	case errors.Is(err, channels.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, channels.ErrEncodingMismatch):
		return "encoding"
	case errors.Is(err, channels.ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, video.ErrPipelineStopped):
		return "pipeline"
	default:
		return "other"
	}
}

// StartMetricsServer exposes the client's Prometheus registry on
// /metrics at addr until ctx is done. It returns the address it is
// listening on.
func (c *NetAppClient) StartMetricsServer(ctx context.Context, addr string) (string, error) {
	addrOut, err := startMetricsServer(ctx, addr, c.metrics.reg)
	if err != nil {
		return "", err
	}
	logx.Log.Info().Str("addr", addrOut).Msg("metrics server started")
	return addrOut, nil
}
