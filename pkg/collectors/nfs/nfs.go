// Package nfs tracks network storage mounts from /proc/mounts and, for
// NFS mounts, the byte and operation rates exposed through
// /proc/self/mountstats. Other network filesystems (SMB, Gluster, Ceph)
// are listed without rates since the kernel publishes no per-mount
// counters for them.
package nfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Mount is one network mount with its cumulative NFS counters.
type Mount struct {
	Device     string // "server:/export" or "//server/share"
	MountPoint string
	FSType     string

	ReadBytes  uint64
	WriteBytes uint64
	ReadOps    uint64
	WriteOps   uint64
}

// TypeLabel condenses the filesystem type to a short display label.
func (m Mount) TypeLabel() string {
	t := m.FSType
	switch {
	case strings.Contains(t, "nfs"):
		return "NFS"
	case strings.Contains(t, "cifs"), strings.Contains(t, "smb"):
		return "SMB"
	case strings.Contains(t, "gluster"):
		return "Gluster"
	case strings.Contains(t, "ceph"):
		return "Ceph"
	case strings.Contains(t, "lustre"):
		return "Lustre"
	case strings.Contains(t, "9p"):
		return "9P"
	}
	upper := strings.ToUpper(t)
	if len(upper) > 6 {
		upper = upper[:6]
	}
	return upper
}

// Collector reads network mounts and computes per-mount I/O rates keyed
// by mount point.
type Collector struct {
	proc   string
	now    func() time.Time
	prev   map[string]Mount
	prevAt time.Time
}

// New creates the network mount collector.
func New() *Collector {
	return &Collector{proc: "/proc", now: time.Now}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.NetMount
}

// Collect lists network mounts with their current I/O rates. The first
// tick and any freshly appeared mount report no rates.
func (c *Collector) Collect() (metrics.Set, error) {
	mounts, err := c.readMounts()
	if err != nil {
		return nil, err
	}
	c.readMountstats(mounts)

	now := c.now()
	elapsed := 0.0
	if !c.prevAt.IsZero() {
		elapsed = now.Sub(c.prevAt).Seconds()
	}
	set := Usage(c.prev, mounts, elapsed)

	c.prev = make(map[string]Mount, len(mounts))
	for _, m := range mounts {
		c.prev[m.MountPoint] = m
	}
	c.prevAt = now
	return set, nil
}

// Usage renders mounts against the prior tick's counters. Pure so rate
// math is testable without a real mount table.
func Usage(prev map[string]Mount, mounts []Mount, elapsed float64) metrics.Set {
	var set metrics.Set
	set.Add("mounts", "", float64(len(mounts)), metrics.Count)
	for _, m := range mounts {
		label := m.MountPoint
		set.AddTag("device", label, m.Device)
		set.AddTag("type", label, m.TypeLabel())

		p, ok := prev[m.MountPoint]
		if !ok || elapsed <= 0 {
			continue
		}
		addRate := func(name string, curr, prior uint64, unit metrics.Unit) {
			if r, ok := metrics.Rate(curr, prior, elapsed); ok {
				set.Add(name, label, r, unit)
			}
		}
		addRate("read_bytes", m.ReadBytes, p.ReadBytes, metrics.BytesPerSec)
		addRate("write_bytes", m.WriteBytes, p.WriteBytes, metrics.BytesPerSec)
		addRate("read_ops", m.ReadOps, p.ReadOps, metrics.PerSec)
		addRate("write_ops", m.WriteOps, p.WriteOps, metrics.PerSec)
	}
	return set
}

func (c *Collector) readMounts() ([]Mount, error) {
	raw, err := os.ReadFile(filepath.Join(c.proc, "mounts"))
	if err != nil {
		return nil, fmt.Errorf("mounts: %w", err)
	}
	var mounts []Mount
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || !capability.IsNetFS(fields[2]) {
			continue
		}
		mounts = append(mounts, Mount{Device: fields[0], MountPoint: fields[1], FSType: fields[2]})
	}
	return mounts, nil
}

// readMountstats fills NFS byte and op counters from
// /proc/self/mountstats. Blocks are introduced by
// "device server:/path mounted on /mnt with fstype nfs4"; the per-mount
// "bytes:" line carries cumulative read and write byte counts, and the
// per-op "READ:"/"WRITE:" lines carry operation counts.
func (c *Collector) readMountstats(mounts []Mount) {
	raw, err := os.ReadFile(filepath.Join(c.proc, "self/mountstats"))
	if err != nil {
		return
	}
	byMount := make(map[string]*Mount, len(mounts))
	for i := range mounts {
		byMount[mounts[i].MountPoint] = &mounts[i]
	}

	var current *Mount
	for _, line := range strings.Split(string(raw), "\n") {
		stripped := strings.TrimSpace(line)
		fields := strings.Fields(stripped)

		if strings.HasPrefix(stripped, "device ") {
			current = nil
			for i, f := range fields {
				if f == "on" && i+1 < len(fields) {
					current = byMount[fields[i+1]]
					break
				}
			}
			continue
		}
		if current == nil {
			continue
		}
		switch {
		case strings.HasPrefix(stripped, "bytes:") && len(fields) >= 3:
			current.ReadBytes, _ = strconv.ParseUint(fields[1], 10, 64)
			current.WriteBytes, _ = strconv.ParseUint(fields[2], 10, 64)
		case strings.HasPrefix(stripped, "READ:") && len(fields) >= 2:
			current.ReadOps, _ = strconv.ParseUint(fields[1], 10, 64)
		case strings.HasPrefix(stripped, "WRITE:") && len(fields) >= 2:
			current.WriteOps, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
}
