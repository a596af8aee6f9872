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

const gaudiQuery = "index,name,utilization.aip,memory.used,memory.total,temperature.aip,power.draw"

// Gaudi collects metrics for Intel Gaudi accelerators via hl-smi, which
// follows nvidia-smi's query conventions closely enough to share the CSV
// handling.
type Gaudi struct {
	run     Runner
	timeout time.Duration
}

// NewGaudi creates the Gaudi collector.
func NewGaudi() *Gaudi {
	return &Gaudi{run: ExecRunner, timeout: DefaultTimeout}
}

// Name returns the collector family identifier.
func (c *Gaudi) Name() string {
	return capability.Gaudi
}

// Collect queries hl-smi and parses its CSV output. Older hl-smi builds
// reject -Q; the default table output still identifies the devices, so
// those fall back to table parsing with utilization left at zero.
func (c *Gaudi) Collect() (metrics.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	out, csvErr := c.run(ctx, "hl-smi", "-Q", gaudiQuery, "-f", "csv,noheader,nounits")
	if csvErr == nil {
		devices, err := ParseGaudiCSV(string(out))
		if err == nil {
			return toSet(devices), nil
		}
		csvErr = err
	}

	out, err := c.run(ctx, "hl-smi")
	if err != nil {
		return nil, fmt.Errorf("hl-smi: %w", csvErr)
	}
	devices, err := ParseGaudiTable(string(out))
	if err != nil {
		return nil, fmt.Errorf("hl-smi: %w", csvErr)
	}
	return toSet(devices), nil
}

// ParseGaudiCSV parses hl-smi CSV rows in gaudiQuery field order. hl-smi
// has no power-limit or fan query; those fields stay zero. Short or
// malformed rows degrade per-field like the nvidia parser.
func ParseGaudiCSV(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "index") {
			continue
		}
		fields := splitCSV(line)
		d := Device{Index: len(devices)}
		if idx, err := strconv.Atoi(field(fields, 0)); err == nil {
			d.Index = idx
		}
		d.Name = field(fields, 1)
		if d.Name == "" {
			d.Name = "Gaudi " + strconv.Itoa(d.Index)
		}
		d.Util = floatField(fields, 2)
		d.MemUsedMiB = floatField(fields, 3)
		d.MemTotMiB = floatField(fields, 4)
		d.TempC = floatField(fields, 5)
		d.PowerW = floatField(fields, 6)
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("hl-smi returned no devices")
	}
	return devices, nil
}

// ParseGaudiTable pulls devices out of hl-smi's default table output,
// matching "| 0  HL-225  ..." rows. Only index and name are recoverable.
func ParseGaudiTable(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "|"))
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		name := parts[1]
		if len(parts) >= 3 {
			name = parts[1] + " " + parts[2]
		}
		devices = append(devices, Device{Index: idx, Name: name})
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("hl-smi returned no devices")
	}
	return devices, nil
}
