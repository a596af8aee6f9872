package pcie

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// fixtureRoots builds a sysfs PCI tree with one NVMe drive, one NIC and
// one PCI bridge, plus the proc files their throughput correlates with.
func fixtureRoots(t *testing.T) (sys, proc string) {
	t.Helper()
	root := t.TempDir()
	sys = filepath.Join(root, "sys")
	proc = filepath.Join(root, "proc")

	nvme := filepath.Join(sys, "bus/pci/devices/0000:01:00.0")
	writeFile(t, filepath.Join(nvme, "class"), "0x010802\n")
	writeFile(t, filepath.Join(nvme, "current_link_speed"), "16.0 GT/s PCIe\n")
	writeFile(t, filepath.Join(nvme, "current_link_width"), "4\n")
	writeFile(t, filepath.Join(nvme, "max_link_speed"), "16.0 GT/s PCIe\n")
	writeFile(t, filepath.Join(nvme, "max_link_width"), "4\n")
	writeFile(t, filepath.Join(nvme, "nvme/nvme0/placeholder"), "")

	nic := filepath.Join(sys, "bus/pci/devices/0000:02:00.0")
	writeFile(t, filepath.Join(nic, "class"), "0x020000\n")
	writeFile(t, filepath.Join(nic, "current_link_speed"), "8.0 GT/s PCIe\n")
	writeFile(t, filepath.Join(nic, "current_link_width"), "8\n")
	writeFile(t, filepath.Join(nic, "max_link_speed"), "16.0 GT/s PCIe\n")
	writeFile(t, filepath.Join(nic, "max_link_width"), "8\n")
	writeFile(t, filepath.Join(nic, "net/eth0/placeholder"), "")

	bridge := filepath.Join(sys, "bus/pci/devices/0000:00:01.0")
	writeFile(t, filepath.Join(bridge, "class"), "0x060400\n")
	writeFile(t, filepath.Join(bridge, "current_link_speed"), "16.0 GT/s PCIe\n")
	writeFile(t, filepath.Join(bridge, "current_link_width"), "16\n")

	writeDiskstats(t, proc, 1000, 2000)
	writeNetDev(t, proc, 10000, 20000)
	return sys, proc
}

func writeDiskstats(t *testing.T, proc string, rd, wr int) {
	t.Helper()
	writeFile(t, filepath.Join(proc, "diskstats"),
		"259 0 nvme0n1 50 0 "+strconv.Itoa(rd)+" 10 30 0 "+strconv.Itoa(wr)+" 20 0 40 60\n")
}

func writeNetDev(t *testing.T, proc string, rx, tx int) {
	t.Helper()
	writeFile(t, filepath.Join(proc, "net/dev"),
		"Inter-|   Receive                                                |  Transmit\n"+
			" face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed\n"+
			"  eth0: "+strconv.Itoa(rx)+" 10 0 0 0 0 0 0 "+strconv.Itoa(tx)+" 20 0 0 0 0 0 0\n")
}


func noTools(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, os.ErrNotExist
}

func newFixtureCollector(sys, proc string) *Collector {
	c := &Collector{
		sys: sys, proc: proc,
		run:      noTools,
		now:      time.Now,
		names:    make(map[string]string),
		prevDisk: make(map[string][2]uint64),
		prevNet:  make(map[string][2]uint64),
	}
	c.discoverSubsystems()
	return c
}

func TestScanFiltersAndLink(t *testing.T) {
	sys, proc := fixtureRoots(t)
	c := newFixtureCollector(sys, proc)

	devices, err := c.scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2 (bridge filtered by class)", len(devices))
	}

	nvme := devices[0]
	if nvme.Address != "0000:01:00.0" || nvme.Type != "storage" {
		t.Errorf("nvme identity = %q %q", nvme.Address, nvme.Type)
	}
	if nvme.GenName() != "Gen4" || nvme.CurrentWidth != 4 {
		t.Errorf("nvme link = %s x%d", nvme.GenName(), nvme.CurrentWidth)
	}
	// Gen4 x4 = 1.969 * 4
	if math.Abs(nvme.CurrentBandwidthGBs()-7.876) > 0.001 {
		t.Errorf("nvme bandwidth = %v", nvme.CurrentBandwidthGBs())
	}
	if nvme.LinkUtilization() != 1.0 {
		t.Errorf("full-width link utilization = %v", nvme.LinkUtilization())
	}

	nic := devices[1]
	if nic.Type != "network" || nic.IOLabel != "eth0" {
		t.Errorf("nic = %q %q", nic.Type, nic.IOLabel)
	}
	// Gen3 x8 negotiated on a Gen4-capable link.
	want := (0.985 * 8) / (1.969 * 8)
	if math.Abs(nic.LinkUtilization()-want) > 0.001 {
		t.Errorf("downtrained utilization = %v, want %v", nic.LinkUtilization(), want)
	}
}

func TestScanThroughputDeltas(t *testing.T) {
	sys, proc := fixtureRoots(t)
	c := newFixtureCollector(sys, proc)

	at := time.Unix(100, 0)
	c.now = func() time.Time { return at }
	if _, err := c.scan(); err != nil {
		t.Fatal(err)
	}

	// 2000 more read sectors and 4096 more rx bytes over 2 seconds.
	writeDiskstats(t, proc, 3000, 2000)
	writeNetDev(t, proc, 14096, 20000)
	at = time.Unix(102, 0)

	devices, err := c.scan()
	if err != nil {
		t.Fatal(err)
	}
	nvme, nic := devices[0], devices[1]
	if nvme.IOReadBytesSec != 512000 {
		t.Errorf("nvme read rate = %v, want 512000", nvme.IOReadBytesSec)
	}
	if nvme.IOWriteBytesSec != 0 {
		t.Errorf("nvme write rate = %v, want 0", nvme.IOWriteBytesSec)
	}
	if nic.IOReadBytesSec != 2048 || nic.IOWriteBytesSec != 0 {
		t.Errorf("nic rates = %v / %v", nic.IOReadBytesSec, nic.IOWriteBytesSec)
	}
}

func TestNormalizeBDF(t *testing.T) {
	cases := []struct{ in, want string }{
		{"00000000:D1:00.0", "0000:d1:00.0"},
		{"0000:d1:00.0", "0000:d1:00.0"},
		{" 0000:01:00.0 ", "0000:01:00.0"},
	}
	for _, tc := range cases {
		if got := NormalizeBDF(tc.in); got != tc.want {
			t.Errorf("NormalizeBDF(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseBusIDMap(t *testing.T) {
	m := ParseBusIDMap("0, 00000000:D1:00.0\n1, 00000000:D5:00.0\nbad line\n")
	if len(m) != 2 || m["0000:d1:00.0"] != 0 || m["0000:d5:00.0"] != 1 {
		t.Errorf("ParseBusIDMap = %v", m)
	}
}

func TestParseDmon(t *testing.T) {
	out := `# gpu   rxpci   txpci
# Idx    MB/s    MB/s
    0     123      45
    1       0       0`
	m := ParseDmon(out)
	if len(m) != 2 {
		t.Fatalf("ParseDmon = %v", m)
	}
	if m[0][0] != 123*(1<<20) || m[0][1] != 45*(1<<20) {
		t.Errorf("gpu0 throughput = %v", m[0])
	}
}

func TestSpeedTableUnknownGen(t *testing.T) {
	d := Device{CurrentSpeed: "128.0 GT/s PCIe", CurrentWidth: 16}
	if d.CurrentBandwidthGBs() != 0 {
		t.Errorf("unknown speed bandwidth = %v", d.CurrentBandwidthGBs())
	}
	if d.GenName() != "128.0 GT/s PCIe" {
		t.Errorf("unknown speed gen = %q", d.GenName())
	}
}

func TestGPUDiscoveryDeferredToFirstScan(t *testing.T) {
	sys, proc := fixtureRoots(t)

	queries := 0
	c := &Collector{
		sys: sys, proc: proc,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "nvidia-smi" {
				queries++
			}
			return nil, os.ErrNotExist
		},
		now:      time.Now,
		names:    make(map[string]string),
		prevDisk: make(map[string][2]uint64),
		prevNet:  make(map[string][2]uint64),
	}
	c.discoverSubsystems()
	if queries != 0 {
		t.Fatalf("nvidia-smi queried %d times before the first scan", queries)
	}

	for i := 0; i < 2; i++ {
		if _, err := c.scan(); err != nil {
			t.Fatal(err)
		}
	}
	if queries != 1 {
		t.Fatalf("nvidia-smi queried %d times across two scans, want 1", queries)
	}
}
