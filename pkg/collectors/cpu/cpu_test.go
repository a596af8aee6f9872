package cpu

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeStat(t *testing.T, content string) *Collector {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return &Collector{proc: dir}
}

const statA = `cpu  100 0 100 700 100 0 0 0 0 0
cpu0 50 0 50 350 50 0 0 0 0 0
cpu1 50 0 50 350 50 0 0 0 0 0
intr 12345
ctxt 67890
`

const statB = `cpu  200 0 200 800 100 0 0 0 0 0
cpu0 100 0 100 400 50 0 0 0 0 0
cpu1 100 0 100 400 50 0 0 0 0 0
intr 12400
ctxt 68000
`

func TestCollectFirstTickHasNoPercentages(t *testing.T) {
	c := writeStat(t, statA)
	set, err := c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set.Get("busy", ""); ok {
		t.Fatal("busy percentage emitted on first sample")
	}
	cores, ok := set.Get("cores", "")
	if !ok || cores.Value != 2 {
		t.Fatalf("cores = %+v, %v, want 2", cores, ok)
	}
}

func TestCollectDelta(t *testing.T) {
	c := writeStat(t, statA)
	if _, err := c.Collect(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(c.proc, "stat"), []byte(statB), 0o644); err != nil {
		t.Fatal(err)
	}
	set, err := c.Collect()
	if err != nil {
		t.Fatal(err)
	}

	// Aggregate delta: total 1000→1300, busy 200→400 → 200/300 busy.
	busy, ok := set.Get("busy", "")
	if !ok {
		t.Fatal("no aggregate busy metric on second sample")
	}
	want := 100.0 * 200.0 / 300.0
	if math.Abs(busy.Value-want) > 1e-9 {
		t.Fatalf("busy = %v, want %v", busy.Value, want)
	}

	// Per-core busy present for both cores.
	for _, core := range []string{"cpu0", "cpu1"} {
		if _, ok := set.Get("busy", core); !ok {
			t.Errorf("missing busy metric for %s", core)
		}
	}
}

func TestUsageHotplugRekeys(t *testing.T) {
	prev := map[string]Times{
		"cpu":  {User: 100, Idle: 900},
		"cpu0": {User: 100, Idle: 900},
	}
	curr := map[string]Times{
		"cpu":  {User: 200, Idle: 1000},
		"cpu0": {User: 200, Idle: 1000},
		"cpu1": {User: 50, Idle: 100}, // newly onlined core
	}
	set := Usage(prev, curr)
	if _, ok := set.Get("busy", "cpu1"); ok {
		t.Fatal("new core must wait one tick before reporting a percentage")
	}
	if _, ok := set.Get("busy", "cpu0"); !ok {
		t.Fatal("existing core lost its percentage")
	}
	if cores, _ := set.Get("cores", ""); cores.Value != 2 {
		t.Fatalf("cores = %v, want 2", cores.Value)
	}
}

func TestUsageCounterResetIsSilent(t *testing.T) {
	prev := map[string]Times{"cpu": {User: 5000, Idle: 5000}}
	curr := map[string]Times{"cpu": {User: 10, Idle: 20}}
	set := Usage(prev, curr)
	if m, ok := set.Get("busy", ""); ok {
		t.Fatalf("reset produced a percentage: %v", m.Value)
	}
}

func TestReadStatRejectsGarbage(t *testing.T) {
	c := writeStat(t, "intr 1 2 3\n")
	if _, err := c.Collect(); err == nil {
		t.Fatal("expected an error for a statfile without cpu lines")
	}
}
