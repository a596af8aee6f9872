package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sampling interval bounds. The floor keeps an aggressive decrement from
// busy-looping the host it is supposed to observe.
const (
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 10 * time.Second
	DefaultInterval = time.Second
)

// DefaultCollectTimeout bounds one collector invocation per tick.
const DefaultCollectTimeout = 5 * time.Second

// ErrIntervalRange rejects an interval outside [MinInterval, MaxInterval].
var ErrIntervalRange = errors.New("interval out of range")

// Config is the runtime-adjustable sampling configuration. Control inputs
// (keyboard handlers, signals) mutate it between ticks; the engine reads a
// consistent view at the start of each tick. Invalid inputs are rejected
// and the prior configuration kept.
type Config struct {
	mu sync.Mutex

	interval       time.Duration
	perCore        bool
	gpu            bool
	pcieDetail     bool
	topN           int
	collectTimeout time.Duration
	failLimit      int // consecutive failures before deactivation; 0 = never
}

// NewConfig returns a Config with defaults.
func NewConfig() *Config {
	return &Config{
		interval:       DefaultInterval,
		perCore:        true,
		gpu:            true,
		pcieDetail:     true,
		topN:           8,
		collectTimeout: DefaultCollectTimeout,
	}
}

// view is one tick's immutable reading of the configuration.
type view struct {
	interval       time.Duration
	perCore        bool
	gpu            bool
	pcieDetail     bool
	collectTimeout time.Duration
	failLimit      int
}

func (c *Config) view() view {
	c.mu.Lock()
	defer c.mu.Unlock()
	return view{
		interval:       c.interval,
		perCore:        c.perCore,
		gpu:            c.gpu,
		pcieDetail:     c.pcieDetail,
		collectTimeout: c.collectTimeout,
		failLimit:      c.failLimit,
	}
}

// Interval returns the configured sampling interval.
func (c *Config) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SetInterval replaces the sampling interval, rejecting values outside the
// allowed range.
func (c *Config) SetInterval(d time.Duration) error {
	if d < MinInterval || d > MaxInterval {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrIntervalRange, d, MinInterval, MaxInterval)
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
	return nil
}

// AdjustInterval shifts the interval by delta, clamping at the bounds.
// This is the increment/decrement control path, so clamping beats
// rejection: holding the key pins the interval at the floor or ceiling.
func (c *Config) AdjustInterval(delta time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval += delta
	if c.interval < MinInterval {
		c.interval = MinInterval
	}
	if c.interval > MaxInterval {
		c.interval = MaxInterval
	}
	return c.interval
}

// PerCore reports whether per-core CPU breakdown is emitted.
func (c *Config) PerCore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perCore
}

// SetPerCore toggles the per-core CPU breakdown.
func (c *Config) SetPerCore(on bool) {
	c.mu.Lock()
	c.perCore = on
	c.mu.Unlock()
}

// GPU reports whether GPU collectors run.
func (c *Config) GPU() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpu
}

// SetGPU toggles GPU collection. Disabled GPU families stay in the
// snapshot key set but are marked stale without being invoked.
func (c *Config) SetGPU(on bool) {
	c.mu.Lock()
	c.gpu = on
	c.mu.Unlock()
}

// PCIeDetail reports whether per-device PCIe metrics are emitted.
func (c *Config) PCIeDetail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pcieDetail
}

// SetPCIeDetail toggles the per-device PCIe breakdown.
func (c *Config) SetPCIeDetail(on bool) {
	c.mu.Lock()
	c.pcieDetail = on
	c.mu.Unlock()
}

// TopN returns the process list bound.
func (c *Config) TopN() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topN
}

// SetTopN sets the process list bound, rejecting non-positive values.
func (c *Config) SetTopN(n int) error {
	if n <= 0 {
		return fmt.Errorf("top-n must be positive, got %d", n)
	}
	c.mu.Lock()
	c.topN = n
	c.mu.Unlock()
	return nil
}

// SetCollectTimeout bounds per-collector invocations.
func (c *Config) SetCollectTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("collect timeout must be positive, got %s", d)
	}
	c.mu.Lock()
	c.collectTimeout = d
	c.mu.Unlock()
	return nil
}

// SetFailureLimit sets how many consecutive failures deactivate a
// collector permanently; zero disables deactivation.
func (c *Config) SetFailureLimit(n int) error {
	if n < 0 {
		return fmt.Errorf("failure limit must be non-negative, got %d", n)
	}
	c.mu.Lock()
	c.failLimit = n
	c.mu.Unlock()
	return nil
}
