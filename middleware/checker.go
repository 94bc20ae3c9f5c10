package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kapim/era-5g-client/core/logx"
)

// ResourceChecker polls a deployed plan in the background and exposes
// an atomic readiness flag. It keeps polling after the plan becomes
// ready so a service falling over is noticed.
type ResourceChecker struct {
	client   *Client
	planID   string
	interval time.Duration

	ready atomic.Bool

	mu      sync.RWMutex
	url     string
	lastErr error

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewResourceChecker creates a checker for the given plan. A
// non-positive interval falls back to the client's poll interval.
func NewResourceChecker(c *Client, planID string, interval time.Duration) *ResourceChecker {
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	return &ResourceChecker{
		client:   c,
		planID:   planID,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loop. Subsequent calls are no-ops.
func (rc *ResourceChecker) Start(ctx context.Context) {
	rc.startOnce.Do(func() {
		rc.wg.Add(1)
		go rc.loop(ctx)
	})
}

// Stop halts the poll loop and waits for it.
func (rc *ResourceChecker) Stop() {
	rc.stopOnce.Do(func() { close(rc.stopCh) })
	rc.wg.Wait()
}

// Ready reports whether every service of the plan is Active.
func (rc *ResourceChecker) Ready() bool { return rc.ready.Load() }

// URL returns the address of the deployed NetApp once ready.
func (rc *ResourceChecker) URL() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.url
}

// Err returns the last poll error, if any.
func (rc *ResourceChecker) Err() error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.lastErr
}

// WaitUntilReady blocks until the plan is ready or ctx ends.
func (rc *ResourceChecker) WaitUntilReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if rc.ready.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rc.stopCh:
			return context.Canceled
		case <-ticker.C:
		}
	}
}

func (rc *ResourceChecker) loop(ctx context.Context) {
	defer rc.wg.Done()
	rc.poll(ctx)
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rc.stopCh:
			return
		case <-ticker.C:
			rc.poll(ctx)
		}
	}
}

func (rc *ResourceChecker) poll(ctx context.Context) {
	actions, err := rc.client.PlanStatus(ctx, rc.planID)
	if err != nil {
		rc.ready.Store(false)
		rc.mu.Lock()
		rc.lastErr = err
		rc.mu.Unlock()
		logx.Log.Warn().Str("action_plan_id", rc.planID).Err(err).Msg("resource check failed")
		return
	}
	url, ok := readyURL(actions)
	rc.mu.Lock()
	rc.lastErr = nil
	if ok {
		rc.url = url
	}
	rc.mu.Unlock()
	if ok && !rc.ready.Swap(true) {
		logx.Log.Info().Str("action_plan_id", rc.planID).Str("url", url).Msg("netapp resources ready")
	}
	if !ok {
		rc.ready.Store(false)
	}
}
