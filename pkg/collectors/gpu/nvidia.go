package gpu

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// nvidiaQuery is the field list passed to nvidia-smi --query-gpu.
const nvidiaQuery = "index,name,utilization.gpu,memory.used,memory.total," +
	"temperature.gpu,power.draw,power.limit,fan.speed"

// NVIDIA collects metrics for NVIDIA GPUs via nvidia-smi's CSV output.
type NVIDIA struct {
	run     Runner
	timeout time.Duration
}

// NewNVIDIA creates the NVIDIA collector.
func NewNVIDIA() *NVIDIA {
	return &NVIDIA{run: ExecRunner, timeout: DefaultTimeout}
}

// Name returns the collector family identifier.
func (c *NVIDIA) Name() string {
	return capability.NVIDIA
}

// Collect queries nvidia-smi and parses its CSV output.
func (c *NVIDIA) Collect() (metrics.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	out, err := c.run(ctx, "nvidia-smi",
		"--query-gpu="+nvidiaQuery, "--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	devices, err := ParseNvidiaCSV(string(out))
	if err != nil {
		return nil, err
	}
	return toSet(devices), nil
}

// ParseNvidiaCSV parses "index, name, util, mem.used, mem.total, temp,
// power.draw, power.limit, fan" rows. Short rows degrade field by field
// rather than failing the whole tick; a row with no parseable index gets
// the next sequential one.
func ParseNvidiaCSV(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := splitCSV(line)

		d := Device{Index: len(devices)}
		if idx, err := strconv.Atoi(field(parts, 0)); err == nil {
			d.Index = idx
		}
		d.Name = field(parts, 1)
		d.Util = floatField(parts, 2)
		d.MemUsedMiB = floatField(parts, 3)
		d.MemTotMiB = floatField(parts, 4)
		d.TempC = floatField(parts, 5)
		d.PowerW = floatField(parts, 6)
		d.PowerCapW = floatField(parts, 7)
		d.FanPct = floatField(parts, 8)
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("nvidia-smi returned no devices")
	}
	return devices, nil
}

func splitCSV(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func field(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

// floatField parses a numeric CSV field; nvidia-smi reports "[N/A]" for
// unsupported queries, which degrades to zero.
func floatField(parts []string, i int) float64 {
	v, err := strconv.ParseFloat(field(parts, i), 64)
	if err != nil {
		return 0
	}
	return v
}
