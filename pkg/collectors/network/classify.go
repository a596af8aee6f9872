package network

import (
	"os"
	"path/filepath"
	"strings"
)

// Class is an interface's traffic scope.
type Class string

const (
	WAN     Class = "WAN"
	LAN     Class = "LAN"
	Virtual Class = "VIR"
)

func (c Class) order() int {
	switch c {
	case WAN:
		return 0
	case LAN:
		return 1
	case Virtual:
		return 2
	}
	return 3
}

// virtualPrefixes are naming conventions of container, bridge, and tunnel
// interfaces.
var virtualPrefixes = []string{
	"docker", "veth", "br-", "virbr", "lxc",
	"flannel", "cni", "calico", "tun", "tap",
}

// Classify tags each interface. An interface carrying a default route is
// WAN even when its name looks virtual: routing evidence outranks the
// naming heuristic. Everything else is Virtual on a name match, LAN
// otherwise.
func Classify(ifaces []string, defaultIfaces map[string]bool) map[string]Class {
	classes := make(map[string]Class, len(ifaces))
	for _, name := range ifaces {
		switch {
		case defaultIfaces[name]:
			classes[name] = WAN
		case isVirtualName(name):
			classes[name] = Virtual
		default:
			classes[name] = LAN
		}
	}
	return classes
}

func isVirtualName(name string) bool {
	for _, p := range virtualPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// defaultRouteIfaces returns the egress interfaces of IPv4 and IPv6 default
// routes. Route table read errors yield an empty set; classification then
// falls back to the naming heuristic.
func defaultRouteIfaces(proc string) map[string]bool {
	out := make(map[string]bool)

	// /proc/net/route: iface dest gateway flags ... ; dest 00000000 is the
	// IPv4 default route.
	if data, err := os.ReadFile(filepath.Join(proc, "net/route")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) >= 2 && fields[1] == "00000000" {
				out[fields[0]] = true
			}
		}
	}

	// /proc/net/ipv6_route: dest prefixlen ... iface; a zero destination
	// with prefix length 00 is the IPv6 default route.
	if data, err := os.ReadFile(filepath.Join(proc, "net/ipv6_route")); err == nil {
		zero := strings.Repeat("0", 32)
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) >= 10 && fields[0] == zero && fields[1] == "00" {
				iface := fields[len(fields)-1]
				if iface != "lo" {
					out[iface] = true
				}
			}
		}
	}

	return out
}

// Bond describes a bonding master discovered in sysfs.
type Bond struct {
	Mode    string
	Members []string
}

// discoverBonds scans /sys/class/net for bonding masters and returns the
// master map plus a member → master index.
func discoverBonds(sys string) (map[string]Bond, map[string]string) {
	bonds := make(map[string]Bond)
	memberOf := make(map[string]string)

	netDir := filepath.Join(sys, "class/net")
	entries, err := os.ReadDir(netDir)
	if err != nil {
		return bonds, memberOf
	}

	for _, entry := range entries {
		bondingDir := filepath.Join(netDir, entry.Name(), "bonding")
		if _, err := os.Stat(bondingDir); err != nil {
			continue
		}

		var b Bond
		if data, err := os.ReadFile(filepath.Join(bondingDir, "mode")); err == nil {
			// "802.3ad 4" → keep the symbolic name.
			if fields := strings.Fields(string(data)); len(fields) > 0 {
				b.Mode = fields[0]
			}
		}
		if data, err := os.ReadFile(filepath.Join(bondingDir, "slaves")); err == nil {
			b.Members = strings.Fields(strings.TrimSpace(string(data)))
		}
		bonds[entry.Name()] = b
		for _, m := range b.Members {
			memberOf[m] = entry.Name()
		}
	}
	return bonds, memberOf
}
