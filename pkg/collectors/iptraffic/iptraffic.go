// Package iptraffic aggregates established TCP traffic by remote IP,
// using the per-connection bytes_sent/bytes_received counters that
// ss -tni reports. Needs no elevated privileges.
package iptraffic

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/collectors/gpu"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// DefaultTopN bounds the emitted remote-IP list.
const DefaultTopN = 10

var (
	reBytesSent = regexp.MustCompile(`bytes_sent:(\d+)`)
	reBytesRecv = regexp.MustCompile(`bytes_received:(\d+)`)
)

// connKey identifies one TCP connection.
type connKey struct {
	localIP    string
	localPort  int
	remoteIP   string
	remotePort int
}

// counters holds one connection's cumulative byte counts.
type counters struct {
	sent uint64
	recv uint64
}

// Traffic is one remote host's aggregated rate.
type Traffic struct {
	RemoteIP   string
	TxBytesSec float64
	RxBytesSec float64
	Conns      int
}

// Total is the combined send and receive rate, used for ordering.
func (t Traffic) Total() float64 {
	return t.TxBytesSec + t.RxBytesSec
}

// Collector tracks per-connection byte counters across ticks and
// aggregates their deltas per remote IP.
type Collector struct {
	run     gpu.Runner
	timeout time.Duration
	now     func() time.Time
	topN    int

	prev   map[connKey]counters
	prevAt time.Time
}

// New creates the per-IP traffic collector.
func New(topN int) *Collector {
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Collector{run: gpu.ExecRunner, timeout: gpu.DefaultTimeout, now: time.Now, topN: topN}
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.IPTraffic
}

// Collect samples ss and emits the hottest remote IPs by traffic rate.
func (c *Collector) Collect() (metrics.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	out, err := c.run(ctx, "ss", "-tni", "state", "established")
	if err != nil {
		return nil, fmt.Errorf("ss: %w", err)
	}
	current := ParseSS(string(out))

	now := c.now()
	elapsed := 0.0
	if !c.prevAt.IsZero() {
		elapsed = now.Sub(c.prevAt).Seconds()
	}
	traffic := Aggregate(c.prev, current, elapsed)

	c.prev = current
	c.prevAt = now
	return toSet(traffic, c.topN), nil
}

// ParseSS parses ss -tni output into per-connection counters. Each
// connection line is followed by tab-indented info lines carrying the
// TCP internals; loopback and self-connected peers are skipped.
func ParseSS(out string) map[connKey]counters {
	result := make(map[connKey]counters)
	lines := strings.Split(out, "\n")

	i := 0
	if len(lines) > 0 && strings.HasPrefix(lines[0], "Recv-Q") {
		i = 1
	}
	for i < len(lines) {
		connLine := strings.TrimSpace(lines[i])
		i++
		if connLine == "" {
			continue
		}
		var info strings.Builder
		for i < len(lines) && strings.HasPrefix(lines[i], "\t") {
			info.WriteString(lines[i])
			i++
		}

		fields := strings.Fields(connLine)
		if len(fields) < 4 {
			continue
		}
		localIP, localPort, ok1 := splitAddr(fields[2])
		remoteIP, remotePort, ok2 := splitAddr(fields[3])
		if !ok1 || !ok2 {
			continue
		}
		if isLoopback(remoteIP) || localIP == remoteIP {
			continue
		}

		key := connKey{localIP, localPort, remoteIP, remotePort}
		result[key] = counters{
			sent: matchUint(reBytesSent, info.String()),
			recv: matchUint(reBytesRecv, info.String()),
		}
	}
	return result
}

// Aggregate folds per-connection deltas into per-remote-IP rates. A
// connection absent from prev contributes its count but no bytes, so new
// connections baseline like everything else.
func Aggregate(prev, current map[connKey]counters, elapsed float64) []Traffic {
	type agg struct {
		tx, rx uint64
		conns  int
	}
	byIP := make(map[string]*agg)
	for key, curr := range current {
		a := byIP[key.remoteIP]
		if a == nil {
			a = &agg{}
			byIP[key.remoteIP] = a
		}
		a.conns++
		if p, ok := prev[key]; ok && elapsed > 0 {
			if curr.sent >= p.sent {
				a.tx += curr.sent - p.sent
			}
			if curr.recv >= p.recv {
				a.rx += curr.recv - p.recv
			}
		}
	}

	var traffic []Traffic
	for ip, a := range byIP {
		t := Traffic{RemoteIP: ip, Conns: a.conns}
		if elapsed > 0 {
			t.TxBytesSec = float64(a.tx) / elapsed
			t.RxBytesSec = float64(a.rx) / elapsed
		}
		traffic = append(traffic, t)
	}
	sort.Slice(traffic, func(i, j int) bool {
		if traffic[i].Total() != traffic[j].Total() {
			return traffic[i].Total() > traffic[j].Total()
		}
		return traffic[i].RemoteIP < traffic[j].RemoteIP
	})
	return traffic
}

// splitAddr splits "192.168.0.1:443" or "[::1]:443" into host and port.
func splitAddr(addr string) (string, int, bool) {
	if strings.HasPrefix(addr, "[") {
		end := strings.Index(addr, "]")
		if end < 0 || end+2 > len(addr) {
			return "", 0, false
		}
		port, err := strconv.Atoi(addr[end+2:])
		if err != nil {
			return "", 0, false
		}
		return addr[1:end], port, true
	}
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return addr[:idx], port, true
}

func isLoopback(ip string) bool {
	return strings.HasPrefix(ip, "127.") || ip == "::1"
}

func matchUint(re *regexp.Regexp, s string) uint64 {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, _ := strconv.ParseUint(m[1], 10, 64)
	return v
}

func toSet(traffic []Traffic, topN int) metrics.Set {
	var set metrics.Set
	set.Add("peers", "", float64(len(traffic)), metrics.Count)
	if len(traffic) > topN {
		traffic = traffic[:topN]
	}
	for _, t := range traffic {
		label := t.RemoteIP
		set.Add("tx", label, t.TxBytesSec, metrics.BytesPerSec)
		set.Add("rx", label, t.RxBytesSec, metrics.BytesPerSec)
		set.Add("conns", label, float64(t.Conns), metrics.Count)
	}
	return set
}
