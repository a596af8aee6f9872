package engine

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/collectors"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// fake is a scriptable collector: each Collect pops the next step.
type fake struct {
	name  string
	steps []func() (metrics.Set, error)
	calls int
}

func (f *fake) Name() string { return f.name }

func (f *fake) Collect() (metrics.Set, error) {
	step := f.steps[f.calls%len(f.steps)]
	f.calls++
	return step()
}

func okSet(value float64) func() (metrics.Set, error) {
	return func() (metrics.Set, error) {
		var s metrics.Set
		s.Add("v", "", value, metrics.Count)
		return s, nil
	}
}

func fail(msg string) func() (metrics.Set, error) {
	return func() (metrics.Set, error) { return nil, errors.New(msg) }
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestEngine(cfg *Config, fakes ...*fake) *Engine {
	if cfg == nil {
		cfg = NewConfig()
	}
	e := &Engine{
		cfg:      cfg,
		caps:     capability.Set{},
		registry: collectors.NewRegistry(),
		log:      quietLog(),
		lastGood: make(map[string]metrics.Set),
		failures: make(map[string]int),
		inFlight: make(map[string]bool),
		snapCh:   make(chan *metrics.Snapshot, 1),
	}
	e.reprobeNetMount = func() bool { return false }
	for _, f := range fakes {
		e.registry.Register(f)
		e.keys = append(e.keys, f.name)
	}
	return e
}

func TestSnapshotKeyInvariantUnderFailure(t *testing.T) {
	e := newTestEngine(nil,
		&fake{name: "a", steps: []func() (metrics.Set, error){okSet(1)}},
		&fake{name: "b", steps: []func() (metrics.Set, error){fail("boom")}},
	)

	for i := 0; i < 3; i++ {
		snap := e.Tick()
		if len(snap.Results) != 2 {
			t.Fatalf("tick %d: %d results, want 2", i, len(snap.Results))
		}
		if _, ok := snap.Results["b"]; !ok {
			t.Fatalf("tick %d: failing collector missing from snapshot", i)
		}
		if !snap.Results["b"].Stale {
			t.Errorf("tick %d: failing collector not marked stale", i)
		}
		if snap.Results["a"].Stale {
			t.Errorf("tick %d: healthy collector marked stale", i)
		}
	}
}

func TestStaleKeepsLastGoodMetrics(t *testing.T) {
	f := &fake{name: "a", steps: []func() (metrics.Set, error){
		okSet(42), fail("transient"), okSet(43),
	}}
	e := newTestEngine(nil, f)

	e.Tick()
	snap := e.Tick()
	r := snap.Results["a"]
	if !r.Stale || r.Err != "transient" {
		t.Fatalf("result = %+v", r)
	}
	if m, ok := r.Set.Get("v", ""); !ok || m.Value != 42 {
		t.Errorf("stale tick must carry last good metrics, got %+v", r.Set)
	}

	snap = e.Tick()
	r = snap.Results["a"]
	if r.Stale {
		t.Error("collector must recover after a transient failure")
	}
	if m, _ := r.Set.Get("v", ""); m.Value != 43 {
		t.Errorf("post-recovery value = %v", m.Value)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	var slow atomic.Bool
	slow.Store(true)
	f := &fake{name: "a", steps: []func() (metrics.Set, error){
		func() (metrics.Set, error) {
			if slow.Load() {
				time.Sleep(100 * time.Millisecond)
			}
			return okSet(7)()
		},
	}}
	cfg := NewConfig()
	if err := cfg.SetCollectTimeout(20 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(cfg, f)

	snap := e.Tick()
	if !snap.Results["a"].Stale {
		t.Fatal("timed-out collector must be stale")
	}

	slow.Store(false)
	// Let the abandoned invocation drain so the collector is not busy.
	time.Sleep(150 * time.Millisecond)

	snap = e.Tick()
	if snap.Results["a"].Stale {
		t.Errorf("collector must stay active after a timeout: %+v", snap.Results["a"])
	}
}

func TestConsecutiveFailureDeactivation(t *testing.T) {
	f := &fake{name: "a", steps: []func() (metrics.Set, error){fail("gone")}}
	cfg := NewConfig()
	if err := cfg.SetFailureLimit(2); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(cfg, f)

	e.Tick()
	e.Tick() // second failure deactivates
	snap := e.Tick()

	if f.calls != 2 {
		t.Errorf("collector invoked %d times, want 2", f.calls)
	}
	r, ok := snap.Results["a"]
	if !ok {
		t.Fatal("deactivated collector must stay in the key set")
	}
	if !r.Stale || r.Err != "deactivated" {
		t.Errorf("result = %+v", r)
	}
}

func TestGPUDisableToggle(t *testing.T) {
	f := &fake{name: capability.NVIDIA, steps: []func() (metrics.Set, error){okSet(1)}}
	e := newTestEngine(nil, f)

	e.Tick()
	e.cfg.SetGPU(false)
	snap := e.Tick()

	if f.calls != 1 {
		t.Errorf("disabled GPU collector invoked %d times, want 1", f.calls)
	}
	r := snap.Results[capability.NVIDIA]
	if !r.Stale || r.Err != "disabled" {
		t.Errorf("result = %+v", r)
	}

	e.cfg.SetGPU(true)
	if snap = e.Tick(); snap.Results[capability.NVIDIA].Stale {
		t.Error("re-enabled GPU collector must report fresh metrics")
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	e := newTestEngine(nil, &fake{name: "a", steps: []func() (metrics.Set, error){okSet(1)}})
	prev := e.Tick()
	for i := 0; i < 5; i++ {
		snap := e.Tick()
		if !snap.Taken.After(prev.Taken) {
			t.Fatalf("snapshot %d timestamp not after predecessor", i)
		}
		if snap.Elapsed <= 0 {
			t.Fatalf("snapshot %d elapsed = %v", i, snap.Elapsed)
		}
		prev = snap
	}
}

func TestSingleSlotHandoff(t *testing.T) {
	e := newTestEngine(nil, &fake{name: "a", steps: []func() (metrics.Set, error){okSet(1)}})

	e.Tick()
	second := e.Tick() // displaces the unconsumed first frame

	select {
	case got := <-e.Snapshots():
		if got != second {
			t.Error("consumer must see the newest frame, not the displaced one")
		}
	default:
		t.Fatal("channel empty after two ticks")
	}
	if e.Latest() != second {
		t.Error("Latest must track the newest frame")
	}
}

func TestPerCoreSuppression(t *testing.T) {
	f := &fake{name: capability.CPU, steps: []func() (metrics.Set, error){
		func() (metrics.Set, error) {
			var s metrics.Set
			s.Add("busy", "", 50, metrics.Percent)
			s.Add("busy", "cpu0", 80, metrics.Percent)
			s.Add("cores", "", 1, metrics.Count)
			return s, nil
		},
	}}
	e := newTestEngine(nil, f)
	e.cfg.SetPerCore(false)

	snap := e.Tick()
	set := snap.Results[capability.CPU].Set
	if _, ok := set.Get("busy", "cpu0"); ok {
		t.Error("per-core busy must be suppressed")
	}
	if _, ok := set.Get("busy", ""); !ok {
		t.Error("aggregate busy must survive suppression")
	}
}

func TestLateNetMountActivation(t *testing.T) {
	e := newTestEngine(nil, &fake{name: "a", steps: []func() (metrics.Set, error){okSet(1)}})
	mounted := false
	e.reprobeNetMount = func() bool { return mounted }

	for i := 0; i < remountEvery; i++ {
		e.Tick()
	}
	if len(e.keys) != 1 {
		t.Fatal("netmount must not activate without a mount")
	}

	mounted = true
	for i := 0; i < remountEvery; i++ {
		e.Tick()
	}
	found := false
	for _, k := range e.keys {
		if k == capability.NetMount {
			found = true
		}
	}
	if !found {
		t.Error("netmount collector must activate once a mount appears")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newTestEngine(nil, &fake{name: "a", steps: []func() (metrics.Set, error){okSet(1)}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned %v", err)
	}
	if e.Latest() == nil {
		t.Error("Run must produce at least one snapshot before cancellation")
	}
}

func TestIntervalBounds(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.SetInterval(50 * time.Millisecond); !errors.Is(err, ErrIntervalRange) {
		t.Errorf("below floor: err = %v", err)
	}
	if err := cfg.SetInterval(time.Minute); !errors.Is(err, ErrIntervalRange) {
		t.Errorf("above ceiling: err = %v", err)
	}
	if cfg.Interval() != DefaultInterval {
		t.Error("rejected input must keep the prior interval")
	}

	if got := cfg.AdjustInterval(-time.Hour); got != MinInterval {
		t.Errorf("decrement clamps at floor, got %v", got)
	}
	if got := cfg.AdjustInterval(time.Hour); got != MaxInterval {
		t.Errorf("increment clamps at ceiling, got %v", got)
	}
}
