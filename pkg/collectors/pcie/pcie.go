// Package pcie reads PCIe link status from /sys/bus/pci/devices and pairs
// each interesting device (storage, network, display, accelerator) with
// the real I/O throughput of the subsystem behind it: NVMe devices
// correlate with /proc/diskstats, NICs with /proc/net/dev, and NVIDIA
// GPUs with nvidia-smi's PCIe counters.
package pcie

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/collectors/gpu"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Per-lane bandwidth in GB/s, encoding overhead included. Gen1/2 use
// 8b/10b, Gen3 onward 128b/130b.
var speedGBs = map[string]float64{
	"2.5 GT/s":  0.25,
	"5.0 GT/s":  0.50,
	"5 GT/s":    0.50,
	"8.0 GT/s":  0.985,
	"8 GT/s":    0.985,
	"16.0 GT/s": 1.969,
	"16 GT/s":   1.969,
	"32.0 GT/s": 3.938,
	"32 GT/s":   3.938,
	"64.0 GT/s": 7.877,
	"64 GT/s":   7.877,
}

var genNames = map[string]string{
	"2.5 GT/s":  "Gen1",
	"5.0 GT/s":  "Gen2",
	"5 GT/s":    "Gen2",
	"8.0 GT/s":  "Gen3",
	"8 GT/s":    "Gen3",
	"16.0 GT/s": "Gen4",
	"16 GT/s":   "Gen4",
	"32.0 GT/s": "Gen5",
	"32 GT/s":   "Gen5",
	"64.0 GT/s": "Gen6",
	"64 GT/s":   "Gen6",
}

// Device is one PCIe function's link status plus correlated I/O.
type Device struct {
	Address      string // BDF, e.g. "0000:01:00.0"
	Name         string
	Type         string // "storage", "network", "display", "other"
	CurrentSpeed string
	MaxSpeed     string
	CurrentWidth int
	MaxWidth     int

	IOReadBytesSec  float64
	IOWriteBytesSec float64
	IOLabel         string // "nvme0n1", "eth0", "GPU0"
}

// NormalizeSpeed strips the trailing " PCIe" sysfs suffix:
// "16.0 GT/s PCIe" becomes "16.0 GT/s".
func NormalizeSpeed(speed string) string {
	return strings.TrimSpace(strings.ReplaceAll(speed, " PCIe", ""))
}

// GenName maps the current link speed to a generation label, falling back
// to the raw speed string for unknown rates.
func (d Device) GenName() string {
	if g, ok := genNames[NormalizeSpeed(d.CurrentSpeed)]; ok {
		return g
	}
	return d.CurrentSpeed
}

// CurrentBandwidthGBs is per-lane rate times negotiated width.
func (d Device) CurrentBandwidthGBs() float64 {
	return speedGBs[NormalizeSpeed(d.CurrentSpeed)] * float64(d.CurrentWidth)
}

// MaxBandwidthGBs is the link's capability ceiling.
func (d Device) MaxBandwidthGBs() float64 {
	return speedGBs[NormalizeSpeed(d.MaxSpeed)] * float64(d.MaxWidth)
}

// LinkUtilization is the negotiated bandwidth as a fraction of the
// maximum; a downtrained link shows below 1.0.
func (d Device) LinkUtilization() float64 {
	ceiling := d.MaxBandwidthGBs()
	if ceiling <= 0 {
		return 0
	}
	return d.CurrentBandwidthGBs() / ceiling
}

// IOUtilization is measured throughput as a fraction of the negotiated
// link bandwidth, capped at 1.
func (d Device) IOUtilization() float64 {
	bw := d.CurrentBandwidthGBs()
	if bw <= 0 {
		return 0
	}
	total := (d.IOReadBytesSec + d.IOWriteBytesSec) / (1 << 30)
	if total/bw > 1 {
		return 1
	}
	return total / bw
}

// classifyClass maps the top byte of the PCI class code to a device type.
func classifyClass(classTop int) string {
	switch classTop {
	case 0x01, 0x12: // mass storage, processing accelerators
		return "storage"
	case 0x02:
		return "network"
	case 0x03:
		return "display"
	}
	return "other"
}

// Collector scans PCIe devices each tick and keeps the device-name cache
// and subsystem mapping across ticks.
type Collector struct {
	sys  string
	proc string
	run  gpu.Runner
	now  func() time.Time

	names      map[string]string    // BDF -> lspci name
	subsystems map[string][2]string // BDF -> (type, label)
	gpuBDF     map[string]int       // BDF -> GPU index
	gpuScanned bool

	prevDisk map[string][2]uint64 // device -> (rd sectors, wr sectors)
	prevNet  map[string][2]uint64 // iface -> (rx bytes, tx bytes)
	prevAt   time.Time
}

// New creates the PCIe collector. Subsystem discovery runs once at
// construction; GPU discovery waits for the first scan so construction
// never blocks on nvidia-smi. Link status is re-read every tick.
func New() *Collector {
	c := &Collector{
		sys:      "/sys",
		proc:     "/proc",
		run:      gpu.ExecRunner,
		now:      time.Now,
		names:    make(map[string]string),
		prevDisk: make(map[string][2]uint64),
		prevNet:  make(map[string][2]uint64),
	}
	c.discoverSubsystems()
	return c
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.PCIe
}

// Collect scans the PCI device tree and emits link and throughput metrics.
func (c *Collector) Collect() (metrics.Set, error) {
	devices, err := c.scan()
	if err != nil {
		return nil, err
	}
	return toSet(devices), nil
}

func (c *Collector) scan() ([]Device, error) {
	root := filepath.Join(c.sys, "bus/pci/devices")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("pci devices: %w", err)
	}

	if !c.gpuScanned {
		c.gpuScanned = true
		c.discoverGPUs()
	}

	now := c.now()
	elapsed := 0.0
	if !c.prevAt.IsZero() {
		elapsed = now.Sub(c.prevAt).Seconds()
	}

	currDisk := c.readDiskSectors()
	currNet := c.readNetBytes()
	gpuIO := c.readGPUThroughput()

	var devices []Device
	for _, e := range entries {
		addr := e.Name()
		dir := filepath.Join(root, addr)

		speed := readSysfs(filepath.Join(dir, "current_link_speed"))
		if speed == "" {
			continue
		}
		classTop, ok := classTopByte(readSysfs(filepath.Join(dir, "class")))
		if !ok {
			continue
		}
		if classTop != 0x01 && classTop != 0x02 && classTop != 0x03 && classTop != 0x12 {
			continue
		}

		d := Device{
			Address:      addr,
			Type:         classifyClass(classTop),
			CurrentSpeed: speed,
			MaxSpeed:     readSysfs(filepath.Join(dir, "max_link_speed")),
		}
		d.CurrentWidth, _ = strconv.Atoi(readSysfs(filepath.Join(dir, "current_link_width")))
		d.MaxWidth, _ = strconv.Atoi(readSysfs(filepath.Join(dir, "max_link_width")))
		d.Name = c.deviceName(addr)

		if sub, ok := c.subsystems[addr]; ok {
			d.IOLabel = sub[1]
			switch sub[0] {
			case "storage":
				if curr, ok := currDisk[sub[1]]; ok && elapsed > 0 {
					if prev, ok := c.prevDisk[sub[1]]; ok {
						if r, ok := metrics.Rate(curr[0], prev[0], elapsed); ok {
							d.IOReadBytesSec = r * 512
						}
						if r, ok := metrics.Rate(curr[1], prev[1], elapsed); ok {
							d.IOWriteBytesSec = r * 512
						}
					}
				}
			case "network":
				if curr, ok := currNet[sub[1]]; ok && elapsed > 0 {
					if prev, ok := c.prevNet[sub[1]]; ok {
						if r, ok := metrics.Rate(curr[0], prev[0], elapsed); ok {
							d.IOReadBytesSec = r
						}
						if r, ok := metrics.Rate(curr[1], prev[1], elapsed); ok {
							d.IOWriteBytesSec = r
						}
					}
				}
			case "gpu":
				if idx, ok := c.gpuBDF[addr]; ok {
					if io, ok := gpuIO[idx]; ok {
						d.IOReadBytesSec = io[0]
						d.IOWriteBytesSec = io[1]
					}
				}
			}
		}
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })

	c.prevDisk = currDisk
	c.prevNet = currNet
	c.prevAt = now
	return devices, nil
}

// discoverSubsystems walks the PCI tree once, pairing each function with
// the NVMe controller or network interface behind it.
func (c *Collector) discoverSubsystems() {
	c.subsystems = make(map[string][2]string)
	root := filepath.Join(c.sys, "bus/pci/devices")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		addr := e.Name()

		if nvme, err := os.ReadDir(filepath.Join(root, addr, "nvme")); err == nil {
			for _, n := range nvme {
				if strings.HasPrefix(n.Name(), "nvme") {
					c.subsystems[addr] = [2]string{"storage", n.Name() + "n1"}
					break
				}
			}
			continue
		}
		if net, err := os.ReadDir(filepath.Join(root, addr, "net")); err == nil && len(net) > 0 {
			c.subsystems[addr] = [2]string{"network", net[0].Name()}
		}
	}
}

// discoverGPUs asks nvidia-smi for the index-to-bus-address map so GPU
// PCIe counters attach to the right sysfs device.
func (c *Collector) discoverGPUs() {
	c.gpuBDF = make(map[string]int)
	ctx, cancel := context.WithTimeout(context.Background(), gpu.DefaultTimeout)
	defer cancel()

	out, err := c.run(ctx, "nvidia-smi", "--query-gpu=index,gpu_bus_id", "--format=csv,noheader")
	if err != nil {
		return
	}
	for bdf, idx := range ParseBusIDMap(string(out)) {
		c.gpuBDF[bdf] = idx
		c.subsystems[bdf] = [2]string{"gpu", "GPU" + strconv.Itoa(idx)}
	}
}

// ParseBusIDMap parses "index, bus_id" CSV rows into a map keyed by the
// sysfs-normalized BDF address.
func ParseBusIDMap(out string) map[string]int {
	m := make(map[string]int)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ",", 2)
		if len(parts) < 2 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		m[NormalizeBDF(strings.TrimSpace(parts[1]))] = idx
	}
	return m
}

// NormalizeBDF converts nvidia-smi's bus address to sysfs form:
// "00000000:D1:00.0" becomes "0000:d1:00.0".
func NormalizeBDF(bdf string) string {
	bdf = strings.ToLower(strings.TrimSpace(bdf))
	parts := strings.Split(bdf, ":")
	if len(parts) >= 3 && len(parts[0]) == 8 {
		parts[0] = parts[0][4:]
		bdf = strings.Join(parts, ":")
	}
	return bdf
}

// readGPUThroughput samples nvidia-smi dmon once for per-GPU PCIe RX/TX,
// reported in MB/s. Failures leave GPU throughput at zero for the tick.
func (c *Collector) readGPUThroughput() map[int][2]float64 {
	if len(c.gpuBDF) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gpu.DefaultTimeout)
	defer cancel()

	out, err := c.run(ctx, "nvidia-smi", "dmon", "-s", "t", "-c", "1")
	if err != nil {
		return nil
	}
	return ParseDmon(string(out))
}

// ParseDmon parses "gpu rxpci txpci" rows from nvidia-smi dmon -s t,
// converting MB/s to bytes/s. Header lines start with '#'.
func ParseDmon(out string) map[int][2]float64 {
	m := make(map[int][2]float64)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		rx, _ := strconv.ParseFloat(fields[1], 64)
		tx, _ := strconv.ParseFloat(fields[2], 64)
		m[idx] = [2]float64{rx * (1 << 20), tx * (1 << 20)}
	}
	return m
}

// deviceName resolves a BDF to a human-readable name via lspci, cached
// for the collector's lifetime. Missing lspci leaves names empty.
func (c *Collector) deviceName(addr string) string {
	if name, ok := c.names[addr]; ok {
		return name
	}
	name := ""
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if out, err := c.run(ctx, "lspci", "-s", addr, "-D"); err == nil {
		// "0000:01:00.0 3D controller: NVIDIA ..."
		if _, rest, ok := strings.Cut(strings.TrimSpace(string(out)), ": "); ok {
			name = rest
		}
	}
	c.names[addr] = name
	return name
}

func (c *Collector) readDiskSectors() map[string][2]uint64 {
	m := make(map[string][2]uint64)
	raw, err := os.ReadFile(filepath.Join(c.proc, "diskstats"))
	if err != nil {
		return m
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue
		}
		name := fields[2]
		if !strings.HasPrefix(name, "nvme") || !strings.HasSuffix(name, "n1") {
			continue
		}
		rd, err1 := strconv.ParseUint(fields[5], 10, 64)
		wr, err2 := strconv.ParseUint(fields[9], 10, 64)
		if err1 == nil && err2 == nil {
			m[name] = [2]uint64{rd, wr}
		}
	}
	return m
}

func (c *Collector) readNetBytes() map[string][2]uint64 {
	m := make(map[string][2]uint64)
	raw, err := os.ReadFile(filepath.Join(c.proc, "net/dev"))
	if err != nil {
		return m
	}
	for _, line := range strings.Split(string(raw), "\n") {
		name, data, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(data)
		if len(fields) < 9 {
			continue
		}
		rx, err1 := strconv.ParseUint(fields[0], 10, 64)
		tx, err2 := strconv.ParseUint(fields[8], 10, 64)
		if err1 == nil && err2 == nil {
			m[strings.TrimSpace(name)] = [2]uint64{rx, tx}
		}
	}
	return m
}

func classTopByte(classCode string) (int, bool) {
	cls, err := strconv.ParseInt(strings.TrimPrefix(classCode, "0x"), 16, 64)
	if err != nil {
		return 0, false
	}
	return int(cls>>16) & 0xFF, true
}

func readSysfs(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func toSet(devices []Device) metrics.Set {
	var set metrics.Set
	set.Add("devices", "", float64(len(devices)), metrics.Count)
	for _, d := range devices {
		label := d.Address
		set.AddTag("name", label, d.Name)
		set.AddTag("type", label, d.Type)
		set.AddTag("gen", label, d.GenName())
		set.Add("width", label, float64(d.CurrentWidth), metrics.Count)
		set.Add("bw", label, d.CurrentBandwidthGBs(), metrics.GBPerSec)
		set.Add("bw_max", label, d.MaxBandwidthGBs(), metrics.GBPerSec)
		set.Add("link_pct", label, 100*d.LinkUtilization(), metrics.Percent)
		if d.IOLabel != "" {
			set.AddTag("io_label", label, d.IOLabel)
			set.Add("io_read", label, d.IOReadBytesSec, metrics.BytesPerSec)
			set.Add("io_write", label, d.IOWriteBytesSec, metrics.BytesPerSec)
			set.Add("io_pct", label, 100*d.IOUtilization(), metrics.Percent)
		}
	}
	return set
}
