// Package disk collects per-device read/write throughput and IOPS from
// /proc/diskstats sector and operation counter deltas.
package disk

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// SectorSize is the unit /proc/diskstats counts in. The kernel reports
// sectors in 512-byte units regardless of the device's physical geometry.
const SectorSize = 512

// Stats holds the counters of one whole-disk line of /proc/diskstats.
type Stats struct {
	ReadOps      uint64
	ReadSectors  uint64
	WriteOps     uint64
	WriteSectors uint64
}

// deviceRe matches whole disks and excludes partitions: sda but not sda1,
// nvme0n1 but not nvme0n1p2.
var deviceRe = regexp.MustCompile(`^(sd[a-z]+|nvme\d+n\d+|vd[a-z]+)$`)

// Collector reads /proc/diskstats and keeps the previous counters plus the
// time they were read, so rates use the measured interval.
type Collector struct {
	proc   string
	now    func() time.Time
	prev   map[string]Stats
	prevAt time.Time
}

// New creates a disk collector reading from /proc.
func New() *Collector {
	return &Collector{proc: "/proc", now: time.Now}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.Disk
}

// Collect reads /proc/diskstats and converts per-device counter deltas into
// bytes-per-second and IOPS. The first call emits only the device list.
func (c *Collector) Collect() (metrics.Set, error) {
	curr, err := readDiskstats(c.proc)
	if err != nil {
		return nil, err
	}

	at := c.now()
	var elapsed float64
	if !c.prevAt.IsZero() {
		elapsed = at.Sub(c.prevAt).Seconds()
	}
	set := Usage(c.prev, curr, elapsed)

	c.prev = curr
	c.prevAt = at
	return set, nil
}

// Usage computes per-device rates from two diskstats readings. Pure: prev
// may be nil and elapsed zero (first sample), in which case only device
// presence metrics are emitted. A counter that went backwards produces no
// rate for that field this tick; the caller rebaselines by keeping curr.
func Usage(prev, curr map[string]Stats, elapsed float64) metrics.Set {
	names := make([]string, 0, len(curr))
	for name := range curr {
		names = append(names, name)
	}
	sort.Strings(names)

	var set metrics.Set
	for _, name := range names {
		set.AddTag("device", name, name)

		p, ok := prev[name]
		if !ok {
			continue
		}
		d := curr[name]

		if rate, ok := metrics.Rate(d.ReadSectors, p.ReadSectors, elapsed); ok {
			set.Add("read_bytes", name, rate*SectorSize, metrics.BytesPerSec)
		}
		if rate, ok := metrics.Rate(d.WriteSectors, p.WriteSectors, elapsed); ok {
			set.Add("write_bytes", name, rate*SectorSize, metrics.BytesPerSec)
		}
		if rate, ok := metrics.Rate(d.ReadOps, p.ReadOps, elapsed); ok {
			set.Add("read_iops", name, rate, metrics.PerSec)
		}
		if rate, ok := metrics.Rate(d.WriteOps, p.WriteOps, elapsed); ok {
			set.Add("write_iops", name, rate, metrics.PerSec)
		}
	}
	return set
}

// readDiskstats parses whole-disk lines of /proc/diskstats.
//
// Field layout per line:
//
//	major minor name rd_ios rd_merges rd_sectors rd_ticks
//	wr_ios wr_merges wr_sectors wr_ticks in_flight io_ticks weighted
func readDiskstats(proc string) (map[string]Stats, error) {
	file, err := os.Open(filepath.Join(proc, "diskstats"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	result := make(map[string]Stats)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		name := fields[2]
		if !deviceRe.MatchString(name) {
			continue
		}

		var s Stats
		s.ReadOps, _ = strconv.ParseUint(fields[3], 10, 64)
		s.ReadSectors, _ = strconv.ParseUint(fields[5], 10, 64)
		s.WriteOps, _ = strconv.ParseUint(fields[7], 10, 64)
		s.WriteSectors, _ = strconv.ParseUint(fields[9], 10, 64)
		result[name] = s
	}
	return result, scanner.Err()
}
