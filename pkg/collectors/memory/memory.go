// Package memory collects memory and swap usage from /proc/meminfo.
// All values are instantaneous; no delta state is kept.
package memory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Collector reads /proc/meminfo.
type Collector struct {
	proc string
}

// New creates a memory collector reading from /proc.
func New() *Collector {
	return &Collector{proc: "/proc"}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.Memory
}

// Collect reads /proc/meminfo and returns memory and swap metrics.
func (c *Collector) Collect() (metrics.Set, error) {
	info, err := readMeminfo(c.proc)
	if err != nil {
		return nil, err
	}
	return Usage(info), nil
}

// Usage converts a meminfo map (values in KiB, as the kernel reports them)
// into byte metrics. "used" excludes buffers and page cache; SReclaimable
// counts as cache since the kernel can drop it under pressure.
func Usage(info map[string]uint64) metrics.Set {
	kb := func(key string) float64 { return float64(info[key]) * 1024 }

	total := kb("MemTotal")
	free := kb("MemFree")
	buffers := kb("Buffers")
	cached := kb("Cached") + kb("SReclaimable")
	used := total - free - buffers - cached
	if used < 0 {
		used = 0
	}

	var set metrics.Set
	set.Add("total", "", total, metrics.Bytes)
	set.Add("used", "", used, metrics.Bytes)
	set.Add("free", "", free, metrics.Bytes)
	set.Add("buffers", "", buffers, metrics.Bytes)
	set.Add("cached", "", cached, metrics.Bytes)
	set.Add("available", "", kb("MemAvailable"), metrics.Bytes)
	if total > 0 {
		set.Add("used_pct", "", 100*used/total, metrics.Percent)
		set.Add("cached_pct", "", 100*cached/total, metrics.Percent)
	}

	swapTotal := kb("SwapTotal")
	swapFree := kb("SwapFree")
	swapCached := kb("SwapCached")
	swapUsed := swapTotal - swapFree - swapCached
	if swapUsed < 0 {
		swapUsed = 0
	}
	set.Add("total", "swap", swapTotal, metrics.Bytes)
	set.Add("used", "swap", swapUsed, metrics.Bytes)
	set.Add("free", "swap", swapFree, metrics.Bytes)
	if swapTotal > 0 {
		set.Add("used_pct", "swap", 100*swapUsed/swapTotal, metrics.Percent)
	}

	return set
}

// readMeminfo parses /proc/meminfo into a key → KiB map.
func readMeminfo(proc string) (map[string]uint64, error) {
	file, err := os.Open(filepath.Join(proc, "meminfo"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info := make(map[string]uint64, 64)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		val, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		info[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if _, ok := info["MemTotal"]; !ok {
		return nil, fmt.Errorf("MemTotal missing from %s/meminfo", proc)
	}
	return info, nil
}
