package gpu

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// amdArgs asks rocm-smi for everything the Device model carries, as JSON.
var amdArgs = []string{
	"--showuse", "--showmeminfo", "vram",
	"--showtemp", "--showpower", "--showfan", "--json",
}

// amdCSVArgs is the fallback query for rocm-smi builds whose --json output
// is unusable; CSV carries fewer fields.
var amdCSVArgs = []string{"--showuse", "--showmemuse", "--showtemp", "--showpower", "--csv"}

// AMD collects metrics for ROCm GPUs via rocm-smi's JSON output.
type AMD struct {
	run     Runner
	timeout time.Duration
}

// NewAMD creates the AMD collector.
func NewAMD() *AMD {
	return &AMD{run: ExecRunner, timeout: DefaultTimeout}
}

// Name returns the collector family identifier.
func (c *AMD) Name() string {
	return capability.AMD
}

// Collect queries rocm-smi and parses its JSON output. Some rocm-smi
// builds ignore --json and print the plain table anyway; those fall back
// to the CSV query.
func (c *AMD) Collect() (metrics.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	out, jsonErr := c.run(ctx, "rocm-smi", amdArgs...)
	if jsonErr == nil {
		devices, err := ParseRocmJSON(out)
		if err == nil {
			return toSet(devices), nil
		}
		jsonErr = err
	}

	out, err := c.run(ctx, "rocm-smi", amdCSVArgs...)
	if err != nil {
		return nil, fmt.Errorf("rocm-smi: %w", jsonErr)
	}
	devices, err := ParseRocmCSV(string(out))
	if err != nil {
		return nil, fmt.Errorf("rocm-smi: %w", jsonErr)
	}
	return toSet(devices), nil
}

// ParseRocmJSON parses rocm-smi's JSON, keyed "card0", "card1", … Values
// arrive as strings with unit suffixes ("93.0 W", "45 %"); unknown keys and
// unparseable values degrade to zero. VRAM is reported in bytes and
// converted to MiB.
func ParseRocmJSON(out []byte) ([]Device, error) {
	var raw map[string]map[string]any
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("rocm-smi json: %w", err)
	}

	cards := make([]string, 0, len(raw))
	for key := range raw {
		if strings.HasPrefix(key, "card") {
			cards = append(cards, key)
		}
	}
	sort.Strings(cards)

	var devices []Device
	for _, key := range cards {
		card := raw[key]
		idx, _ := strconv.Atoi(strings.TrimPrefix(key, "card"))

		d := Device{Index: idx, Name: rocmString(card, "Card series", "Card Series", "card_series")}
		if d.Name == "" {
			d.Name = "AMD GPU " + strconv.Itoa(idx)
		}
		d.Util = rocmFloat(card, "GPU use (%)", "GPU use", "gpu_use_percent")
		d.MemUsedMiB = rocmBytesToMiB(card, "VRAM Total Used Memory (B)", "vram_used")
		d.MemTotMiB = rocmBytesToMiB(card, "VRAM Total Memory (B)", "vram_total")
		d.TempC = rocmFloat(card, "Temperature (Sensor edge) (C)", "temperature_edge", "Temperature")
		d.PowerW = rocmFloat(card, "Average Graphics Package Power (W)", "average_socket_power", "Power")
		d.PowerCapW = rocmFloat(card, "Max Graphics Package Power (W)", "power_cap")
		d.FanPct = rocmFloat(card, "Fan speed (%)", "fan_speed_percent")
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("rocm-smi returned no cards")
	}
	return devices, nil
}

// ParseRocmCSV parses rocm-smi's --csv output, a header row followed by
// one row per card. The CSV query has no VRAM or fan columns; those
// fields stay zero.
func ParseRocmCSV(out string) ([]Device, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("rocm-smi csv: no rows")
	}
	headers := splitCSV(strings.ToLower(lines[0]))

	var devices []Device
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		vals := splitCSV(line)
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(vals) {
				row[h] = vals[i]
			}
		}

		d := Device{Index: len(devices), Name: row["device"]}
		if d.Name == "" {
			d.Name = "AMD GPU " + strconv.Itoa(d.Index)
		}
		d.Util = csvFloat(row, "gpu use (%)", "gpu_use_%")
		d.TempC = csvFloat(row, "temperature (sensor edge) (c)", "temp")
		d.PowerW = csvFloat(row, "average socket power (w)", "power")
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("rocm-smi csv: no cards")
	}
	return devices, nil
}

func csvFloat(row map[string]string, keys ...string) float64 {
	for _, k := range keys {
		s := strings.TrimRight(row[k], " %WC")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

func rocmString(card map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := card[k]; ok {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func rocmFloat(card map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := card[k]
		if !ok {
			continue
		}
		s := strings.TrimRight(strings.TrimSpace(fmt.Sprint(v)), " %WC")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

// rocmBytesToMiB handles rocm-smi versions that report VRAM in bytes and
// older ones that already report MiB: anything above 10000 is assumed to
// be bytes.
func rocmBytesToMiB(card map[string]any, keys ...string) float64 {
	v := rocmFloat(card, keys...)
	if v > 10000 {
		return v / (1024 * 1024)
	}
	return v
}
