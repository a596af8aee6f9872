// Package process collects the top-N processes by CPU usage and by
// resident memory from /proc/[pid]/stat deltas.
package process

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tklauser/go-sysconf"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Stat holds the fields of /proc/[pid]/stat this collector uses. UTime and
// STime are cumulative jiffies; RSS is in pages.
type Stat struct {
	PID   int
	Comm  string
	State string
	UTime uint64
	STime uint64
	RSS   int64
}

// DefaultTopN bounds the emitted process lists.
const DefaultTopN = 8

// Collector scans /proc for numeric directories and computes per-process
// CPU% from the delta of utime+stime against its own prior scan.
type Collector struct {
	proc     string
	now      func() time.Time
	topN     int
	clkTck   float64
	pageSize float64

	prev   map[int]Stat
	prevAt time.Time
}

// New creates a process collector. topN bounds both the CPU and the memory
// list; zero means DefaultTopN.
func New(topN int) *Collector {
	if topN <= 0 {
		topN = DefaultTopN
	}
	clkTck := 100.0
	if v, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && v > 0 {
		clkTck = float64(v)
	}
	return &Collector{
		proc:     "/proc",
		now:      time.Now,
		topN:     topN,
		clkTck:   clkTck,
		pageSize: float64(os.Getpagesize()),
	}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.Process
}

// Collect scans /proc and emits top-N lists. CPU percentages need a prior
// scan; the first call emits only the memory list (instantaneous).
func (c *Collector) Collect() (metrics.Set, error) {
	curr, err := c.scan()
	if err != nil {
		return nil, err
	}

	at := c.now()
	var elapsed float64
	if !c.prevAt.IsZero() {
		elapsed = at.Sub(c.prevAt).Seconds()
	}
	set := c.usage(curr, elapsed)

	c.prev = curr
	c.prevAt = at
	return set, nil
}

func (c *Collector) usage(curr map[int]Stat, elapsed float64) metrics.Set {
	type entry struct {
		stat Stat
		cpu  float64
	}
	entries := make([]entry, 0, len(curr))
	for pid, stat := range curr {
		e := entry{stat: stat}
		if prev, ok := c.prev[pid]; ok && elapsed > 0 {
			dc := float64(stat.UTime+stat.STime) - float64(prev.UTime+prev.STime)
			if dc > 0 {
				e.cpu = 100.0 * dc / (elapsed * c.clkTck)
			}
		}
		entries = append(entries, e)
	}

	var set metrics.Set

	// The CPU list is delta-derived and needs a prior scan.
	if len(c.prev) > 0 && elapsed > 0 {
		byCPU := make([]entry, len(entries))
		copy(byCPU, entries)
		sort.Slice(byCPU, func(i, j int) bool {
			if byCPU[i].cpu != byCPU[j].cpu {
				return byCPU[i].cpu > byCPU[j].cpu
			}
			return byCPU[i].stat.PID < byCPU[j].stat.PID
		})
		for i, e := range byCPU {
			if i >= c.topN {
				break
			}
			label := strconv.Itoa(e.stat.PID)
			set.Add("top_cpu", label, e.cpu, metrics.Percent)
			set.AddTag("top_cpu_name", label, c.friendlyName(e.stat))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].stat.RSS != entries[j].stat.RSS {
			return entries[i].stat.RSS > entries[j].stat.RSS
		}
		return entries[i].stat.PID < entries[j].stat.PID
	})
	for i, e := range entries {
		if i >= c.topN {
			break
		}
		label := strconv.Itoa(e.stat.PID)
		set.Add("top_mem", label, float64(e.stat.RSS)*c.pageSize, metrics.Bytes)
		set.AddTag("top_mem_name", label, c.friendlyName(e.stat))
	}

	return set
}

func (c *Collector) friendlyName(s Stat) string {
	return FriendlyName(readCmdline(c.proc, s.PID), s.Comm)
}

// scan reads every numeric /proc entry. Processes vanishing mid-scan are
// skipped silently.
func (c *Collector) scan() (map[int]Stat, error) {
	entries, err := os.ReadDir(c.proc)
	if err != nil {
		return nil, err
	}

	result := make(map[int]Stat, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.proc, entry.Name(), "stat"))
		if err != nil {
			continue
		}
		stat, ok := ParseStat(pid, string(data))
		if !ok {
			continue
		}
		result[pid] = stat
	}
	return result, nil
}

// ParseStat parses one /proc/[pid]/stat line. The comm field is
// parenthesized and may itself contain spaces and parentheses, so the
// parse anchors on the last closing parenthesis.
func ParseStat(pid int, data string) (Stat, bool) {
	lparen := strings.Index(data, "(")
	rparen := strings.LastIndex(data, ")")
	if lparen < 0 || rparen < lparen || rparen+2 > len(data) {
		return Stat{}, false
	}
	rest := strings.Fields(data[rparen+2:])
	// After comm: state is field 0, utime 11, stime 12, rss 21.
	if len(rest) < 22 {
		return Stat{}, false
	}

	s := Stat{
		PID:   pid,
		Comm:  data[lparen+1 : rparen],
		State: rest[0],
	}
	s.UTime, _ = strconv.ParseUint(rest[11], 10, 64)
	s.STime, _ = strconv.ParseUint(rest[12], 10, 64)
	s.RSS, _ = strconv.ParseInt(rest[21], 10, 64)
	return s, true
}

func readCmdline(proc string, pid int) string {
	data, err := os.ReadFile(filepath.Join(proc, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", " "))
}
