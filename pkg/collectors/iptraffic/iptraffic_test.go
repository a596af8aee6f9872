package iptraffic

import (
	"context"
	"strconv"
	"testing"
	"time"
)

const ssHeader = "Recv-Q Send-Q Local Address:Port  Peer Address:Port Process\n"

func ssOutput(sent1, recv1, sent2, recv2 int) string {
	return ssHeader +
		"0      0      10.0.0.5:44321      93.184.216.34:443\n" +
		"\t cubic wscale:7,7 rto:204 bytes_sent:" + itoa(sent1) + " bytes_received:" + itoa(recv1) + " send 1.2Mbps\n" +
		"0      0      10.0.0.5:51000      10.0.0.9:8080\n" +
		"\t cubic bytes_sent:" + itoa(sent2) + " bytes_received:" + itoa(recv2) + "\n" +
		"0      0      127.0.0.1:9000      127.0.0.1:9001\n" +
		"\t cubic bytes_sent:999999 bytes_received:999999\n"
}

func itoa(n int) string { return strconv.Itoa(n) }

func TestParseSS(t *testing.T) {
	conns := ParseSS(ssOutput(1000, 2000, 10, 20))
	if len(conns) != 2 {
		t.Fatalf("got %d connections, want 2 (loopback skipped)", len(conns))
	}
	key := connKey{"10.0.0.5", 44321, "93.184.216.34", 443}
	c, ok := conns[key]
	if !ok {
		t.Fatalf("missing connection %+v; have %+v", key, conns)
	}
	if c.sent != 1000 || c.recv != 2000 {
		t.Errorf("counters = %+v", c)
	}
}

func TestParseSSIPv6(t *testing.T) {
	out := ssHeader +
		"0 0 [fd00::1]:5000 [2001:db8::2]:443\n" +
		"\t cubic bytes_sent:42 bytes_received:84\n"
	conns := ParseSS(out)
	key := connKey{"fd00::1", 5000, "2001:db8::2", 443}
	if c, ok := conns[key]; !ok || c.sent != 42 {
		t.Errorf("ipv6 parse = %+v", conns)
	}
}

func TestAggregate(t *testing.T) {
	prev := map[connKey]counters{
		{"10.0.0.5", 1, "1.2.3.4", 443}: {sent: 100, recv: 200},
		{"10.0.0.5", 2, "1.2.3.4", 443}: {sent: 0, recv: 0},
	}
	current := map[connKey]counters{
		{"10.0.0.5", 1, "1.2.3.4", 443}: {sent: 300, recv: 600}, // +200/+400
		{"10.0.0.5", 2, "1.2.3.4", 443}: {sent: 100, recv: 0},   // +100/+0
		{"10.0.0.5", 3, "5.6.7.8", 22}:  {sent: 5000, recv: 0},  // new, no baseline
	}

	traffic := Aggregate(prev, current, 2)
	if len(traffic) != 2 {
		t.Fatalf("got %d peers, want 2", len(traffic))
	}
	top := traffic[0]
	if top.RemoteIP != "1.2.3.4" || top.Conns != 2 {
		t.Fatalf("top peer = %+v", top)
	}
	if top.TxBytesSec != 150 || top.RxBytesSec != 200 {
		t.Errorf("rates = %v / %v, want 150 / 200", top.TxBytesSec, top.RxBytesSec)
	}
	fresh := traffic[1]
	if fresh.RemoteIP != "5.6.7.8" || fresh.Total() != 0 || fresh.Conns != 1 {
		t.Errorf("unbaselined peer = %+v", fresh)
	}
}

func TestAggregateCounterReset(t *testing.T) {
	key := connKey{"10.0.0.5", 1, "1.2.3.4", 443}
	prev := map[connKey]counters{key: {sent: 9000, recv: 9000}}
	current := map[connKey]counters{key: {sent: 100, recv: 100}}

	traffic := Aggregate(prev, current, 1)
	if traffic[0].Total() != 0 {
		t.Errorf("reset counters must not produce negative or bogus rates: %+v", traffic[0])
	}
}

func TestCollectFirstAndSecondTick(t *testing.T) {
	out := ssOutput(1000, 2000, 10, 20)
	c := New(5)
	c.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(out), nil
	}
	at := time.Unix(100, 0)
	c.now = func() time.Time { return at }

	set, err := c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := set.Get("tx", "93.184.216.34"); !ok || m.Value != 0 {
		t.Errorf("first tick tx = %+v, want 0", m)
	}

	out = ssOutput(3000, 2000, 10, 20)
	at = time.Unix(102, 0)
	set, err = c.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := set.Get("tx", "93.184.216.34"); !ok || m.Value != 1000 {
		t.Errorf("second tick tx = %+v, want 1000", m)
	}
	if m, ok := set.Get("conns", "10.0.0.9"); !ok || m.Value != 1 {
		t.Errorf("conns = %+v", m)
	}
}

func TestTopNBound(t *testing.T) {
	traffic := []Traffic{
		{RemoteIP: "a", TxBytesSec: 3},
		{RemoteIP: "b", TxBytesSec: 2},
		{RemoteIP: "c", TxBytesSec: 1},
	}
	set := toSet(traffic, 2)
	if m, ok := set.Get("peers", ""); !ok || m.Value != 3 {
		t.Errorf("peers = %+v, want total before trimming", m)
	}
	if _, ok := set.Get("tx", "b"); !ok {
		t.Error("peer within topN must survive")
	}
	if _, ok := set.Get("tx", "c"); ok {
		t.Error("peer beyond topN must be trimmed")
	}
}
