// Package cpu collects per-core and aggregate CPU busy percentages from
// /proc/stat jiffie deltas.
package cpu

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Times holds one cpu line of /proc/stat: cumulative jiffies per state.
type Times struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
}

// Total returns the total jiffy count across all states.
func (t Times) Total() uint64 {
	return t.User + t.Nice + t.System + t.Idle + t.IOWait + t.IRQ + t.SoftIRQ + t.Steal
}

// Busy returns the non-idle jiffy count. IOWait counts as idle: the CPU is
// free to run other work while waiting on I/O.
func (t Times) Busy() uint64 {
	return t.Total() - t.Idle - t.IOWait
}

// Collector reads /proc/stat and keeps the previous reading so each tick's
// usage comes from the delta. The key set is re-read every tick, so cores
// appearing or disappearing (hot-plug) are handled by re-keying rather than
// assuming a fixed set.
type Collector struct {
	proc string
	prev map[string]Times
}

// New creates a CPU collector reading from /proc.
func New() *Collector {
	return &Collector{proc: "/proc"}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.CPU
}

// Collect reads /proc/stat and converts the delta against the previous
// reading into busy percentages. The first call returns only the core
// count; percentages appear from the second call on.
func (c *Collector) Collect() (metrics.Set, error) {
	curr, err := readStat(c.proc)
	if err != nil {
		return nil, err
	}
	set := Usage(c.prev, curr)
	c.prev = curr
	return set, nil
}

// Usage computes busy percentages from two /proc/stat readings. It is pure:
// prev may be nil (first sample), in which case no percentage metrics are
// produced. Cores present in only one reading are skipped; the aggregate
// "cpu" line is emitted with the empty label, cores with "cpu0", "cpu1", …
func Usage(prev, curr map[string]Times) metrics.Set {
	var set metrics.Set

	cores := 0
	for name := range curr {
		if name != "cpu" {
			cores++
		}
	}
	set.Add("cores", "", float64(cores), metrics.Count)

	names := make([]string, 0, len(curr))
	for name := range curr {
		names = append(names, name)
	}
	// "cpu" first, then cpu0, cpu1, … cpu10 in numeric order.
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		ct := curr[name]
		pt, ok := prev[name]
		if !ok {
			continue
		}
		if ct.Total() < pt.Total() {
			// Counter reset; rebaseline silently.
			continue
		}
		dt := float64(ct.Total() - pt.Total())
		if dt == 0 {
			continue
		}

		label := ""
		if name != "cpu" {
			label = name
		}

		pct := func(c, p uint64) float64 {
			if c < p {
				return 0
			}
			return 100.0 * float64(c-p) / dt
		}

		busy := 0.0
		if ct.Busy() >= pt.Busy() {
			busy = 100.0 * float64(ct.Busy()-pt.Busy()) / dt
		}
		set.Add("busy", label, busy, metrics.Percent)

		// Component breakdown only for the aggregate line.
		if name == "cpu" {
			set.Add("user", label, pct(ct.User+ct.Nice, pt.User+pt.Nice), metrics.Percent)
			set.Add("system", label, pct(ct.System, pt.System), metrics.Percent)
			set.Add("iowait", label, pct(ct.IOWait, pt.IOWait), metrics.Percent)
			set.Add("irq", label, pct(ct.IRQ+ct.SoftIRQ, pt.IRQ+pt.SoftIRQ), metrics.Percent)
			set.Add("steal", label, pct(ct.Steal, pt.Steal), metrics.Percent)
		}
	}

	return set
}

// readStat parses the cpu lines of /proc/stat. Parsing stops at the first
// non-cpu line; the file always lists cpu lines first.
func readStat(proc string) (map[string]Times, error) {
	file, err := os.Open(filepath.Join(proc, "stat"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	result := make(map[string]Times)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu") {
			break
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return nil, fmt.Errorf("unexpected /proc/stat line: %q", line)
		}

		var t Times
		t.User, _ = strconv.ParseUint(fields[1], 10, 64)
		t.Nice, _ = strconv.ParseUint(fields[2], 10, 64)
		t.System, _ = strconv.ParseUint(fields[3], 10, 64)
		t.Idle, _ = strconv.ParseUint(fields[4], 10, 64)
		t.IOWait, _ = strconv.ParseUint(fields[5], 10, 64)
		t.IRQ, _ = strconv.ParseUint(fields[6], 10, 64)
		t.SoftIRQ, _ = strconv.ParseUint(fields[7], 10, 64)
		if len(fields) > 8 {
			t.Steal, _ = strconv.ParseUint(fields[8], 10, 64)
		}
		result[fields[0]] = t
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no cpu lines in %s/stat", proc)
	}
	return result, nil
}
