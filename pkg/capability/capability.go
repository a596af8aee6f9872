// Package capability probes the host once at startup and decides which
// collector families can run. Probes are side-effect-free and never fail
// startup: anything unreadable or absent is recorded as unavailable with a
// reason string for diagnostics.
package capability

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Collector family identifiers. These are the keys of a Set and of every
// Snapshot's result map.
const (
	CPU         = "cpu"
	Memory      = "memory"
	Disk        = "disk"
	Network     = "network"
	Kernel      = "kernel"
	Process     = "process"
	NVIDIA      = "nvidia"
	AMD         = "amd"
	Gaudi       = "gaudi"
	GPUProcess  = "gpu_process"
	PCIe        = "pcie"
	Temperature = "temperature"
	NetMount    = "netmount"
	IPTraffic   = "iptraffic"
)

// Capability records one probe outcome. Reason is informational only and is
// surfaced by the detect diagnostic command.
type Capability struct {
	Available bool
	Reason    string
}

// Set maps a collector family to its probe outcome. It is computed once and
// never mutated afterwards; re-detection requires a process restart.
type Set map[string]Capability

// Active reports whether the named family was detected.
func (s Set) Active(name string) bool {
	return s[name].Available
}

// ActiveNames returns the detected families in sorted order.
func (s Set) ActiveNames() []string {
	var out []string
	for name, c := range s {
		if c.Available {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// String renders the full probe table, one family per line.
func (s Set) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		c := s[name]
		status := "not found"
		if c.Available {
			status = "available"
		}
		fmt.Fprintf(&b, "  %-12s %s", name, status)
		if c.Reason != "" {
			fmt.Fprintf(&b, " (%s)", c.Reason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// netFSTypes are the filesystem types that count as network storage for the
// netmount probe and collector.
var netFSTypes = map[string]bool{
	"nfs": true, "nfs3": true, "nfs4": true,
	"cifs": true, "smbfs": true,
	"glusterfs": true, "ceph": true, "lustre": true,
	"9p": true, "fuse.sshfs": true,
}

// Detector evaluates the probe set against a filesystem root and an
// executable lookup. Both are injectable so detection can be tested against
// a fixture tree.
type Detector struct {
	// Root is prepended to every probed path; "/" in production.
	Root string
	// LookPath resolves an executable name; exec.LookPath in production.
	LookPath func(name string) (string, error)
}

// NewDetector returns a Detector wired to the real host.
func NewDetector() *Detector {
	return &Detector{Root: "/", LookPath: exec.LookPath}
}

// Detect runs every probe and returns the resulting Set. It is called
// exactly once at startup.
func (d *Detector) Detect() Set {
	s := make(Set, 16)

	// Kernel-counter families: one readable proc file each.
	s[CPU] = d.fileProbe("proc/stat")
	s[Memory] = d.fileProbe("proc/meminfo")
	s[Disk] = d.fileProbe("proc/diskstats")
	s[Network] = d.fileProbe("proc/net/dev")
	s[Kernel] = d.fileProbe("proc/loadavg")
	s[Process] = d.dirProbe("proc/self")

	// Accelerator families probe for their vendor tool; several may be
	// available at once on a multi-vendor host.
	s[NVIDIA] = d.execProbe("nvidia-smi")
	s[AMD] = d.execProbe("rocm-smi")
	s[Gaudi] = d.execProbe("hl-smi")
	s[GPUProcess] = s[NVIDIA]

	s[PCIe] = d.nonEmptyDirProbe("sys/bus/pci/devices")
	s[Temperature] = d.nonEmptyDirProbe("sys/class/hwmon")
	s[NetMount] = d.mountProbe("proc/mounts")
	s[IPTraffic] = d.execProbe("ss")

	return s
}

// fileProbe reports whether a path exists and is readable.
func (d *Detector) fileProbe(rel string) Capability {
	path := filepath.Join(d.Root, rel)
	f, err := os.Open(path)
	if err != nil {
		return Capability{Reason: err.Error()}
	}
	f.Close()
	return Capability{Available: true}
}

// dirProbe reports whether a directory exists.
func (d *Detector) dirProbe(rel string) Capability {
	path := filepath.Join(d.Root, rel)
	info, err := os.Stat(path)
	if err != nil {
		return Capability{Reason: err.Error()}
	}
	if !info.IsDir() {
		return Capability{Reason: path + " is not a directory"}
	}
	return Capability{Available: true}
}

// nonEmptyDirProbe reports whether a directory exists and has at least one
// entry.
func (d *Detector) nonEmptyDirProbe(rel string) Capability {
	path := filepath.Join(d.Root, rel)
	entries, err := os.ReadDir(path)
	if err != nil {
		return Capability{Reason: err.Error()}
	}
	if len(entries) == 0 {
		return Capability{Reason: path + " is empty"}
	}
	return Capability{Available: true}
}

// execProbe reports whether a tool is on the search path.
func (d *Detector) execProbe(name string) Capability {
	if _, err := d.LookPath(name); err != nil {
		return Capability{Reason: err.Error()}
	}
	return Capability{Available: true}
}

// mountProbe reports whether at least one mounted filesystem is a network
// filesystem. Mounts appearing or disappearing later are handled by the
// collector, not re-probed here.
func (d *Detector) mountProbe(rel string) Capability {
	path := filepath.Join(d.Root, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		return Capability{Reason: err.Error()}
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && netFSTypes[fields[2]] {
			return Capability{Available: true}
		}
	}
	return Capability{Reason: "no network filesystem mounted"}
}

// IsNetFS reports whether a filesystem type counts as network storage.
func IsNetFS(fsType string) bool {
	return netFSTypes[fsType]
}
