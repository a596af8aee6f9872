// Package network collects per-interface throughput, packet, and error
// rates from /proc/net/dev, and classifies each interface as WAN, LAN, or
// virtual from the routing table and naming conventions.
package network

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Stats holds the counters of one /proc/net/dev line.
type Stats struct {
	RxBytes   uint64
	RxPackets uint64
	RxErrors  uint64
	RxDropped uint64
	TxBytes   uint64
	TxPackets uint64
	TxErrors  uint64
	TxDropped uint64
}

// classifyEvery bounds how often the routing table and bonding layout are
// re-read; interface roles change rarely.
const classifyEvery = 10 * time.Second

// Collector reads /proc/net/dev and keeps prior counters per interface.
type Collector struct {
	proc string
	sys  string
	now  func() time.Time

	prev   map[string]Stats
	prevAt time.Time

	classes      map[string]Class
	bonds        map[string]Bond
	memberOf     map[string]string
	classifiedAt time.Time
}

// New creates a network collector reading from /proc and /sys.
func New() *Collector {
	return &Collector{proc: "/proc", sys: "/sys", now: time.Now}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.Network
}

// Collect reads interface counters, refreshes the classification if it is
// older than classifyEvery, and converts counter deltas into rates.
func (c *Collector) Collect() (metrics.Set, error) {
	curr, err := readNetDev(c.proc)
	if err != nil {
		return nil, err
	}

	at := c.now()
	if c.classes == nil || at.Sub(c.classifiedAt) >= classifyEvery {
		names := make([]string, 0, len(curr))
		for name := range curr {
			names = append(names, name)
		}
		c.classes = Classify(names, defaultRouteIfaces(c.proc))
		c.bonds, c.memberOf = discoverBonds(c.sys)
		c.classifiedAt = at
	}

	var elapsed float64
	if !c.prevAt.IsZero() {
		elapsed = at.Sub(c.prevAt).Seconds()
	}
	set := Usage(c.prev, curr, elapsed, c.classes, c.bonds, c.memberOf)

	c.prev = curr
	c.prevAt = at
	return set, nil
}

// Usage computes per-interface rates and attaches classification and
// bonding metadata. Pure; prev may be nil (first sample).
func Usage(prev, curr map[string]Stats, elapsed float64,
	classes map[string]Class, bonds map[string]Bond, memberOf map[string]string) metrics.Set {

	names := make([]string, 0, len(curr))
	for name := range curr {
		names = append(names, name)
	}
	// WAN first, then LAN, virtual last; alphabetical within a class.
	sort.Slice(names, func(i, j int) bool {
		oi, oj := classes[names[i]].order(), classes[names[j]].order()
		if oi != oj {
			return oi < oj
		}
		return names[i] < names[j]
	})

	var set metrics.Set
	for _, name := range names {
		set.AddTag("class", name, string(classes[name]))
		if b, ok := bonds[name]; ok {
			set.AddTag("bond_mode", name, b.Mode)
			set.Add("bond_members", name, float64(len(b.Members)), metrics.Count)
		} else if bond, ok := memberOf[name]; ok {
			set.AddTag("bond_member_of", name, bond)
		}

		p, ok := prev[name]
		if !ok {
			continue
		}
		d := curr[name]

		addRate := func(metric string, c, pr uint64, unit metrics.Unit) {
			if rate, ok := metrics.Rate(c, pr, elapsed); ok {
				set.Add(metric, name, rate, unit)
			}
		}
		addRate("rx_bytes", d.RxBytes, p.RxBytes, metrics.BytesPerSec)
		addRate("tx_bytes", d.TxBytes, p.TxBytes, metrics.BytesPerSec)
		addRate("rx_packets", d.RxPackets, p.RxPackets, metrics.PerSec)
		addRate("tx_packets", d.TxPackets, p.TxPackets, metrics.PerSec)
		addRate("rx_errors", d.RxErrors, p.RxErrors, metrics.PerSec)
		addRate("tx_errors", d.TxErrors, p.TxErrors, metrics.PerSec)
		addRate("rx_dropped", d.RxDropped, p.RxDropped, metrics.PerSec)
		addRate("tx_dropped", d.TxDropped, p.TxDropped, metrics.PerSec)
	}
	return set
}

// readNetDev parses /proc/net/dev, skipping the two header lines and the
// loopback interface.
func readNetDev(proc string) (map[string]Stats, error) {
	file, err := os.Open(filepath.Join(proc, "net/dev"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	result := make(map[string]Stats)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		name, data, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "lo" {
			continue
		}
		fields := strings.Fields(data)
		if len(fields) < 16 {
			continue
		}

		var s Stats
		s.RxBytes, _ = strconv.ParseUint(fields[0], 10, 64)
		s.RxPackets, _ = strconv.ParseUint(fields[1], 10, 64)
		s.RxErrors, _ = strconv.ParseUint(fields[2], 10, 64)
		s.RxDropped, _ = strconv.ParseUint(fields[3], 10, 64)
		s.TxBytes, _ = strconv.ParseUint(fields[8], 10, 64)
		s.TxPackets, _ = strconv.ParseUint(fields[9], 10, 64)
		s.TxErrors, _ = strconv.ParseUint(fields[10], 10, 64)
		s.TxDropped, _ = strconv.ParseUint(fields[11], 10, 64)
		result[name] = s
	}
	return result, scanner.Err()
}
