// Package engine drives the sampling loop: it activates collectors from
// the detected capability set, invokes them concurrently each tick with a
// bounded timeout, and assembles their outputs into immutable snapshots
// for whichever renderer is attached.
package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/collectors"
	"github.com/hostmeter/hostmeter/pkg/collectors/cpu"
	"github.com/hostmeter/hostmeter/pkg/collectors/disk"
	"github.com/hostmeter/hostmeter/pkg/collectors/gpu"
	"github.com/hostmeter/hostmeter/pkg/collectors/iptraffic"
	"github.com/hostmeter/hostmeter/pkg/collectors/kernel"
	"github.com/hostmeter/hostmeter/pkg/collectors/memory"
	"github.com/hostmeter/hostmeter/pkg/collectors/network"
	"github.com/hostmeter/hostmeter/pkg/collectors/nfs"
	"github.com/hostmeter/hostmeter/pkg/collectors/pcie"
	"github.com/hostmeter/hostmeter/pkg/collectors/process"
	"github.com/hostmeter/hostmeter/pkg/collectors/temperature"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// remountEvery is the tick period for re-probing network mounts when none
// were present at startup; NFS shares mounted mid-run still get picked up.
const remountEvery = 10

// gpuFamilies are the capability keys the GPU enable toggle governs.
var gpuFamilies = map[string]bool{
	capability.NVIDIA:     true,
	capability.AMD:        true,
	capability.Gaudi:      true,
	capability.GPUProcess: true,
}

// Engine owns the sampling loop and the collector lifecycle.
type Engine struct {
	cfg      *Config
	caps     capability.Set
	registry *collectors.Registry
	log      *logrus.Logger

	// keys is the snapshot key set, fixed to the activated capability
	// set at construction. A collector appearing mid-run (late NFS
	// mount) extends it; nothing ever shrinks it.
	keys []string

	mu       sync.Mutex
	lastGood map[string]metrics.Set
	failures map[string]int
	inFlight map[string]bool

	latest    atomic.Pointer[metrics.Snapshot]
	snapCh    chan *metrics.Snapshot
	lastTaken time.Time
	ticks     int

	// reprobeNetMount reports whether a network mount exists now.
	// Injectable for tests; defaults to re-running the mount probe.
	reprobeNetMount func() bool
}

// New activates a collector for every available capability and returns an
// engine ready to Run. Construction is conditional registration: an
// unavailable family gets no collector and never appears in a snapshot.
func New(cfg *Config, caps capability.Set, log *logrus.Logger) *Engine {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{
		cfg:      cfg,
		caps:     caps,
		registry: collectors.NewRegistry(),
		log:      log,
		lastGood: make(map[string]metrics.Set),
		failures: make(map[string]int),
		inFlight: make(map[string]bool),
		snapCh:   make(chan *metrics.Snapshot, 1),
	}
	e.reprobeNetMount = func() bool {
		return capability.NewDetector().Detect().Active(capability.NetMount)
	}

	register := func(name string, build func() collectors.Collector) {
		if !caps.Active(name) {
			return
		}
		e.registry.Register(build())
		e.keys = append(e.keys, name)
	}

	topN := cfg.TopN()
	register(capability.CPU, func() collectors.Collector { return cpu.New() })
	register(capability.Memory, func() collectors.Collector { return memory.New() })
	register(capability.Disk, func() collectors.Collector { return disk.New() })
	register(capability.Network, func() collectors.Collector { return network.New() })
	register(capability.Kernel, func() collectors.Collector { return kernel.New() })
	register(capability.Process, func() collectors.Collector { return process.New(topN) })
	register(capability.NVIDIA, func() collectors.Collector { return gpu.NewNVIDIA() })
	register(capability.AMD, func() collectors.Collector { return gpu.NewAMD() })
	register(capability.Gaudi, func() collectors.Collector { return gpu.NewGaudi() })
	register(capability.GPUProcess, func() collectors.Collector { return gpu.NewProcess(topN) })
	register(capability.PCIe, func() collectors.Collector { return pcie.New() })
	register(capability.Temperature, func() collectors.Collector { return temperature.New() })
	register(capability.NetMount, func() collectors.Collector { return nfs.New() })
	register(capability.IPTraffic, func() collectors.Collector { return iptraffic.New(topN) })
	sort.Strings(e.keys)

	log.WithField("collectors", e.keys).Info("engine activated")
	return e
}

// Latest returns the most recent snapshot, or nil before the first tick.
func (e *Engine) Latest() *metrics.Snapshot {
	return e.latest.Load()
}

// Snapshots returns the single-slot snapshot channel. A slow consumer
// sees only the newest frame; old frames are dropped, never buffered.
func (e *Engine) Snapshots() <-chan *metrics.Snapshot {
	return e.snapCh
}

// Run ticks until ctx is cancelled. The first tick fires immediately so a
// renderer has a frame to draw; rates appear from the second tick on.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		e.Tick()
		timer.Reset(e.cfg.Interval())
	}
}

// Tick performs one collection round and publishes the snapshot.
func (e *Engine) Tick() *metrics.Snapshot {
	cfg := e.cfg.view()
	now := time.Now()
	var elapsed time.Duration
	if !e.lastTaken.IsZero() {
		elapsed = now.Sub(e.lastTaken)
	}
	e.lastTaken = now
	e.ticks++

	e.maybeActivateNetMount()

	results := e.collectAll(cfg)
	snap := &metrics.Snapshot{
		Taken:   now,
		Elapsed: elapsed,
		Results: shape(results, cfg),
	}
	e.publish(snap)
	return snap
}

// collectAll fans collectors out concurrently and gathers their results.
// Every key in the engine's key set gets a result: skipped, timed-out and
// failed collectors contribute their last good metrics marked stale.
func (e *Engine) collectAll(cfg view) map[string]metrics.Result {
	type outcome struct {
		name string
		set  metrics.Set
		err  error
	}

	var wg sync.WaitGroup
	ch := make(chan outcome, len(e.keys))

	for _, c := range e.registry.Collectors() {
		name := c.Name()
		if gpuFamilies[name] && !cfg.gpu {
			continue
		}

		e.mu.Lock()
		busy := e.inFlight[name]
		if !busy {
			e.inFlight[name] = true
		}
		e.mu.Unlock()
		if busy {
			// Previous invocation still draining; never run a
			// collector concurrently with itself.
			continue
		}

		wg.Add(1)
		go func(c collectors.Collector) {
			defer wg.Done()
			done := make(chan outcome, 1)
			go func() {
				set, err := c.Collect()
				done <- outcome{name: c.Name(), set: set, err: err}
				e.mu.Lock()
				e.inFlight[c.Name()] = false
				e.mu.Unlock()
			}()
			select {
			case out := <-done:
				ch <- out
			case <-time.After(cfg.collectTimeout):
				ch <- outcome{name: c.Name(), err: context.DeadlineExceeded}
			}
		}(c)
	}
	wg.Wait()
	close(ch)

	fresh := make(map[string]outcome, len(e.keys))
	for out := range ch {
		fresh[out.name] = out
	}

	results := make(map[string]metrics.Result, len(e.keys))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.keys {
		out, ok := fresh[name]
		switch {
		case ok && out.err == nil:
			e.failures[name] = 0
			e.lastGood[name] = out.set
			results[name] = metrics.Result{Set: out.set}
		case ok:
			e.failures[name]++
			results[name] = metrics.Result{Set: e.lastGood[name], Stale: true, Err: out.err.Error()}
			e.log.WithField("collector", name).WithError(out.err).Debug("collect failed")
			if cfg.failLimit > 0 && e.failures[name] >= cfg.failLimit && e.registry.Remove(name) {
				e.log.WithField("collector", name).
					WithField("failures", e.failures[name]).
					Warn("collector deactivated")
			}
		default:
			// Not invoked this tick: GPU toggle off, previous
			// invocation still running, or deactivated.
			reason := "busy"
			switch {
			case e.registry.GetByName(name) == nil:
				reason = "deactivated"
			case gpuFamilies[name] && !cfg.gpu:
				reason = "disabled"
			}
			results[name] = metrics.Result{Set: e.lastGood[name], Stale: true, Err: reason}
		}
	}
	return results
}

// maybeActivateNetMount re-probes for network mounts when the family was
// absent at startup, registering the collector once a mount appears.
func (e *Engine) maybeActivateNetMount() {
	if e.caps.Active(capability.NetMount) || e.ticks%remountEvery != 1 || e.ticks == 1 {
		return
	}
	if !e.reprobeNetMount() {
		return
	}
	e.caps[capability.NetMount] = capability.Capability{Available: true}
	e.registry.Register(nfs.New())
	e.keys = append(e.keys, capability.NetMount)
	sort.Strings(e.keys)
	e.log.Info("network mount appeared, netmount collector activated")
}

// publish stores the snapshot and offers it on the single-slot channel,
// displacing an unconsumed older frame.
func (e *Engine) publish(snap *metrics.Snapshot) {
	e.latest.Store(snap)
	for {
		select {
		case e.snapCh <- snap:
			return
		default:
			select {
			case <-e.snapCh:
			default:
			}
		}
	}
}

// shape applies the display toggles to the assembled results: per-core
// suppression drops labeled CPU busy metrics, PCIe detail off keeps only
// the device count.
func shape(results map[string]metrics.Result, cfg view) map[string]metrics.Result {
	if !cfg.perCore {
		if r, ok := results[capability.CPU]; ok {
			var trimmed metrics.Set
			for _, m := range r.Set {
				if m.Name == "busy" && m.Label != "" {
					continue
				}
				trimmed = append(trimmed, m)
			}
			r.Set = trimmed
			results[capability.CPU] = r
		}
	}
	if !cfg.pcieDetail {
		if r, ok := results[capability.PCIe]; ok {
			var trimmed metrics.Set
			for _, m := range r.Set {
				if m.Label != "" {
					continue
				}
				trimmed = append(trimmed, m)
			}
			r.Set = trimmed
			results[capability.PCIe] = r
		}
	}
	return results
}
