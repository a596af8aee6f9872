// Package kernel collects load averages, uptime, process counts, and
// context-switch/interrupt rates from /proc, plus the kernel release via
// uname.
package kernel

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Counters holds the raw values read on one tick.
type Counters struct {
	Load1, Load5, Load15 float64
	Running, Total       uint64
	Uptime               float64
	CtxtSwitches         uint64
	Interrupts           uint64
}

// Collector reads /proc/loadavg, /proc/uptime, and the ctxt/intr lines of
// /proc/stat. Load averages are already rates and pass through; context
// switches and interrupts are counters converted to per-second deltas.
type Collector struct {
	proc    string
	now     func() time.Time
	version string
	cpus    int

	prev   *Counters
	prevAt time.Time
}

// New creates a kernel collector reading from /proc.
func New() *Collector {
	return &Collector{
		proc:    "/proc",
		now:     time.Now,
		version: kernelRelease(),
		cpus:    runtime.NumCPU(),
	}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.Kernel
}

// Collect reads the kernel counters and emits the metric set.
func (c *Collector) Collect() (metrics.Set, error) {
	curr, err := read(c.proc)
	if err != nil {
		return nil, err
	}

	at := c.now()
	var elapsed float64
	if !c.prevAt.IsZero() {
		elapsed = at.Sub(c.prevAt).Seconds()
	}
	set := Usage(c.prev, curr, elapsed, c.cpus)
	if c.version != "" {
		set.AddTag("version", "", c.version)
	}

	c.prev = curr
	c.prevAt = at
	return set, nil
}

// Usage converts one tick's counters into metrics. Pure; prev may be nil.
func Usage(prev, curr *Counters, elapsed float64, cpus int) metrics.Set {
	var set metrics.Set
	set.Add("load1", "", curr.Load1, metrics.Load)
	set.Add("load5", "", curr.Load5, metrics.Load)
	set.Add("load15", "", curr.Load15, metrics.Load)
	if cpus > 0 {
		set.Add("load_per_cpu", "", curr.Load1/float64(cpus), metrics.Load)
	}
	set.Add("uptime", "", curr.Uptime, metrics.Seconds)
	set.Add("procs_running", "", float64(curr.Running), metrics.Count)
	set.Add("procs_total", "", float64(curr.Total), metrics.Count)

	if prev != nil {
		if rate, ok := metrics.Rate(curr.CtxtSwitches, prev.CtxtSwitches, elapsed); ok {
			set.Add("ctxt", "", rate, metrics.PerSec)
		}
		if rate, ok := metrics.Rate(curr.Interrupts, prev.Interrupts, elapsed); ok {
			set.Add("intr", "", rate, metrics.PerSec)
		}
	}
	return set
}

func read(proc string) (*Counters, error) {
	var c Counters

	// /proc/loadavg: "0.42 0.35 0.28 2/1234 56789"
	data, err := os.ReadFile(filepath.Join(proc, "loadavg"))
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 4 {
		return nil, fmt.Errorf("unexpected loadavg format: %q", string(data))
	}
	c.Load1, _ = strconv.ParseFloat(fields[0], 64)
	c.Load5, _ = strconv.ParseFloat(fields[1], 64)
	c.Load15, _ = strconv.ParseFloat(fields[2], 64)
	if running, total, ok := strings.Cut(fields[3], "/"); ok {
		c.Running, _ = strconv.ParseUint(running, 10, 64)
		c.Total, _ = strconv.ParseUint(total, 10, 64)
	}

	// /proc/uptime: "123456.78 234567.89"
	if data, err := os.ReadFile(filepath.Join(proc, "uptime")); err == nil {
		if fields := strings.Fields(string(data)); len(fields) > 0 {
			c.Uptime, _ = strconv.ParseFloat(fields[0], 64)
		}
	}

	// ctxt and intr lines of /proc/stat.
	file, err := os.Open(filepath.Join(proc, "stat"))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // intr lines are long
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "ctxt "); ok {
			c.CtxtSwitches = firstUint(v)
		} else if v, ok := strings.CutPrefix(line, "intr "); ok {
			c.Interrupts = firstUint(v)
		}
	}
	return &c, scanner.Err()
}

func firstUint(s string) uint64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[0], 10, 64)
	return v
}

// kernelRelease returns the uname release string ("6.8.0-100-generic").
func kernelRelease() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Release[:])
}
