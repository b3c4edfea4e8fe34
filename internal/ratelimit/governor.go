// Package ratelimit implements the adaptive rate governor that paces all
// outbound marketplace calls. The governor tracks an inter-request delay that
// grows when the API reports high budget usage or errors and shrinks when
// usage is low, plus an explicit throttle window honoring 429/retry-after.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skinpulse/harvester/internal/market"
	"github.com/skinpulse/harvester/internal/metrics"
)

// State is the governor's dispatch state.
type State string

// Governor states: Normal dispatches on the adaptive delay; Throttled holds
// every caller until the throttle window passes.
const (
	StateNormal    State = "normal"
	StateThrottled State = "throttled"
)

// Config controls the adaptive delay bounds and watermarks.
type Config struct {
	InitialDelay   time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	IncreaseFactor float64
	DecreaseFactor float64
	HighWatermark  float64
	LowWatermark   float64
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MinDelay <= 0 {
		c.MinDelay = c.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 1.5
	}
	if c.IncreaseFactor <= 1 {
		c.IncreaseFactor = 1.2
	}
	if c.DecreaseFactor <= 0 || c.DecreaseFactor >= 1 {
		c.DecreaseFactor = 0.9
	}
	if c.HighWatermark <= 0 || c.HighWatermark >= 1 {
		c.HighWatermark = 0.8
	}
	if c.LowWatermark <= 0 || c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = 0.3
	}
}

// Validate enforces the delay bound ordering.
func (c Config) Validate() error {
	if c.MinDelay > 0 && c.MaxDelay > 0 && c.MinDelay > c.MaxDelay {
		return fmt.Errorf("min delay %v exceeds max delay %v", c.MinDelay, c.MaxDelay)
	}
	return nil
}

// Snapshot exposes the governor state for /statusz and logging.
type Snapshot struct {
	State          State         `json:"state"`
	Delay          time.Duration `json:"delay"`
	ThrottleUntil  time.Time     `json:"throttle_until,omitempty"`
	TotalAcquires  int64         `json:"total_acquires"`
	TotalWait      time.Duration `json:"total_wait"`
	ThrottleEvents int64         `json:"throttle_events"`
}

// Governor serializes dispatch timing for one endpoint. Acquire resolves one
// caller at a time; everyone else queues on the next dispatch slot.
type Governor struct {
	mu            sync.Mutex
	cfg           Config
	clock         market.Clock
	logger        *zap.Logger
	delay         time.Duration
	lastDispatch  time.Time
	throttleUntil time.Time

	acquires       int64
	totalWait      time.Duration
	throttleEvents int64
}

// New constructs a Governor. Passing a nil logger disables logging.
func New(cfg Config, clock market.Clock, logger *zap.Logger) *Governor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	g := &Governor{
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		delay:  cfg.InitialDelay,
	}
	metrics.SetGovernorDelay(g.delay)
	metrics.SetGovernorThrottled(false)
	return g
}

// Acquire blocks until it is safe to issue the next request: the current
// delay since the previous dispatch has elapsed and any throttle window has
// passed. It never fails from rate state, only when ctx ends.
func (g *Governor) Acquire(ctx context.Context) error {
	start := g.clock.Now()
	for {
		wait, ok := g.tryDispatch()
		if ok {
			elapsed := g.clock.Now().Sub(start)
			g.mu.Lock()
			g.acquires++
			g.totalWait += elapsed
			g.mu.Unlock()
			metrics.ObserveGovernorWait(elapsed)
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("governor acquire: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryDispatch claims the next dispatch slot or returns how long to wait.
func (g *Governor) tryDispatch() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if g.throttleUntil.After(now) {
		return g.throttleUntil.Sub(now), false
	}
	if !g.throttleUntil.IsZero() {
		g.throttleUntil = time.Time{}
		metrics.SetGovernorThrottled(false)
		g.logger.Info("throttle window expired, resuming dispatch")
	}
	next := g.lastDispatch.Add(g.delay)
	if next.After(now) {
		return next.Sub(now), false
	}
	g.lastDispatch = now
	return 0, true
}

// RecordResponse feeds rate-limit metadata back into the governor. With usage
// above the high watermark the delay grows multiplicatively (capped at max);
// below the low watermark it shrinks (floored at min). An exhausted budget or
// a retry-after signal opens a throttle window. Absent metadata changes
// nothing.
func (g *Governor) RecordResponse(meta market.RateLimitMeta) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if meta.HasUsage && meta.Limit > 0 {
		usage := float64(meta.Limit-meta.Remaining) / float64(meta.Limit)
		switch {
		case usage > g.cfg.HighWatermark:
			g.setDelay(time.Duration(float64(g.delay) * g.cfg.IncreaseFactor))
			g.logger.Debug("budget usage high, increasing delay",
				zap.Float64("usage", usage), zap.Duration("delay", g.delay))
		case usage < g.cfg.LowWatermark && g.delay > g.cfg.MinDelay:
			g.setDelay(time.Duration(float64(g.delay) * g.cfg.DecreaseFactor))
			g.logger.Debug("budget usage low, decreasing delay",
				zap.Float64("usage", usage), zap.Duration("delay", g.delay))
		}
	}
	switch {
	case meta.RetryAfter > 0:
		g.throttle(g.clock.Now().Add(meta.RetryAfter))
	case meta.HasUsage && meta.Remaining == 0 && !meta.Reset.IsZero():
		g.throttle(meta.Reset)
	}
}

// RecordError applies backoff for throttling and server errors. A 429
// additionally opens a throttle window for retryAfter (or the current delay
// when the API sent none).
func (g *Governor) RecordError(status int, retryAfter time.Duration) {
	if status != 429 && status < 500 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setDelay(time.Duration(float64(g.delay) * g.cfg.BackoffFactor))
	g.logger.Warn("marketplace error, backing off",
		zap.Int("status", status), zap.Duration("delay", g.delay))
	if status == 429 {
		window := retryAfter
		if window <= 0 {
			window = g.delay
		}
		g.throttle(g.clock.Now().Add(window))
	}
}

// State returns a snapshot of the governor's current state.
func (g *Governor) State() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := Snapshot{
		State:          StateNormal,
		Delay:          g.delay,
		TotalAcquires:  g.acquires,
		TotalWait:      g.totalWait,
		ThrottleEvents: g.throttleEvents,
	}
	if g.throttleUntil.After(g.clock.Now()) {
		snap.State = StateThrottled
		snap.ThrottleUntil = g.throttleUntil
	}
	return snap
}

// setDelay clamps to [min, max] and publishes the gauge. Callers hold g.mu.
func (g *Governor) setDelay(d time.Duration) {
	if d > g.cfg.MaxDelay {
		d = g.cfg.MaxDelay
	}
	if d < g.cfg.MinDelay {
		d = g.cfg.MinDelay
	}
	g.delay = d
	metrics.SetGovernorDelay(d)
}

// throttle extends the throttle window; it never shortens one already open.
// Callers hold g.mu.
func (g *Governor) throttle(until time.Time) {
	if until.Before(g.throttleUntil) {
		return
	}
	if !g.throttleUntil.After(g.clock.Now()) {
		g.throttleEvents++
		g.logger.Warn("entering throttle window", zap.Time("until", until))
	}
	g.throttleUntil = until
	metrics.SetGovernorThrottled(true)
}
