// Package gpu collects accelerator metrics by invoking the vendor query
// tools (nvidia-smi, rocm-smi, hl-smi) as subprocesses with a bounded
// timeout. Each vendor's parser is a pure function over the captured
// output, so the collectors are testable with fixture text. A tool failure
// or timeout is a transient error for that tick; the collector stays
// active.
package gpu

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// DefaultTimeout bounds every vendor tool invocation.
const DefaultTimeout = 5 * time.Second

// Runner executes a tool and returns its standard output. Injectable for
// tests; the production runner shells out with a context deadline.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the tool for real.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Device is one accelerator's instantaneous reading, normalized across
// vendors. Fields a vendor does not report stay zero.
type Device struct {
	Index      int
	Name       string
	Util       float64 // percent
	MemUsedMiB float64
	MemTotMiB  float64
	TempC      float64
	PowerW     float64
	PowerCapW  float64
	FanPct     float64
}

// toSet renders a device list as a metric set, one label per device index.
func toSet(devices []Device) metrics.Set {
	var set metrics.Set
	set.Add("devices", "", float64(len(devices)), metrics.Count)
	for _, d := range devices {
		label := "gpu" + strconv.Itoa(d.Index)
		set.AddTag("name", label, d.Name)
		set.Add("util", label, d.Util, metrics.Percent)
		set.Add("mem_used", label, d.MemUsedMiB*1024*1024, metrics.Bytes)
		set.Add("mem_total", label, d.MemTotMiB*1024*1024, metrics.Bytes)
		if d.MemTotMiB > 0 {
			set.Add("mem_pct", label, 100*d.MemUsedMiB/d.MemTotMiB, metrics.Percent)
		}
		set.Add("temp", label, d.TempC, metrics.Celsius)
		set.Add("power", label, d.PowerW, metrics.Watts)
		if d.PowerCapW > 0 {
			set.Add("power_pct", label, 100*d.PowerW/d.PowerCapW, metrics.Percent)
		}
		if d.FanPct > 0 {
			set.Add("fan", label, d.FanPct, metrics.Percent)
		}
	}
	return set
}
