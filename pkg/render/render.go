// Package render draws snapshots for the plain-text front end: a styled
// per-collector section view and a JSON encoding for scripting. Stale
// sections are dimmed and tagged rather than hidden, so a transient
// collector failure reads as "old data", not "no data".
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Format selects the output rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

const barWidth = 24

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	hotStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// sectionOrder fixes the display order of collector sections.
var sectionOrder = []string{
	capability.CPU,
	capability.Memory,
	capability.Kernel,
	capability.Disk,
	capability.Network,
	capability.NVIDIA,
	capability.AMD,
	capability.Gaudi,
	capability.GPUProcess,
	capability.Process,
	capability.PCIe,
	capability.Temperature,
	capability.NetMount,
	capability.IPTraffic,
}

var sectionTitles = map[string]string{
	capability.CPU:         "CPU",
	capability.Memory:      "Memory",
	capability.Kernel:      "System",
	capability.Disk:        "Disk",
	capability.Network:     "Network",
	capability.NVIDIA:      "GPU (NVIDIA)",
	capability.AMD:         "GPU (AMD)",
	capability.Gaudi:       "Gaudi",
	capability.GPUProcess:  "GPU Processes",
	capability.Process:     "Processes",
	capability.PCIe:        "PCIe",
	capability.Temperature: "Sensors",
	capability.NetMount:    "Network Storage",
	capability.IPTraffic:   "Peers",
}

// Formatter renders snapshots to a writer.
type Formatter struct {
	format Format
	writer io.Writer
}

// NewFormatter creates a formatter for the given output format.
func NewFormatter(format Format, writer io.Writer) *Formatter {
	return &Formatter{format: format, writer: writer}
}

// Render writes one snapshot.
func (f *Formatter) Render(snap *metrics.Snapshot) error {
	if f.format == FormatJSON {
		enc := json.NewEncoder(f.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return f.renderText(snap)
}

func (f *Formatter) renderText(snap *metrics.Snapshot) error {
	fmt.Fprintln(f.writer, titleStyle.Render(
		fmt.Sprintf("hostmeter  %s  (interval %.1fs)",
			snap.Taken.Format("15:04:05"), snap.Elapsed.Seconds())))

	for _, name := range orderedKeys(snap.Results) {
		r := snap.Results[name]
		if len(r.Set) == 0 {
			continue
		}
		title := sectionTitles[name]
		if title == "" {
			title = name
		}
		header := sectionStyle.Render(title)
		if r.Stale {
			header = dimStyle.Render(title + " (stale)")
		}
		fmt.Fprintln(f.writer)
		fmt.Fprintln(f.writer, header)

		body := f.section(name, r.Set)
		if r.Stale {
			body = dimStyle.Render(stripANSI(body))
		}
		fmt.Fprint(f.writer, body)
	}
	return nil
}

// orderedKeys returns the snapshot keys in display order, with unknown
// keys sorted at the end.
func orderedKeys(results map[string]metrics.Result) []string {
	var out []string
	seen := make(map[string]bool)
	for _, name := range sectionOrder {
		if _, ok := results[name]; ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range results {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func (f *Formatter) section(name string, set metrics.Set) string {
	var b strings.Builder
	switch name {
	case capability.CPU:
		f.cpuSection(&b, set)
	case capability.Memory:
		f.memorySection(&b, set)
	case capability.Network:
		f.networkSection(&b, set)
	case capability.NVIDIA, capability.AMD, capability.Gaudi:
		f.gpuSection(&b, set)
	case capability.Temperature:
		f.sensorSection(&b, set)
	default:
		f.genericSection(&b, set)
	}
	return b.String()
}

func (f *Formatter) cpuSection(b *strings.Builder, set metrics.Set) {
	if m, ok := set.Get("busy", ""); ok {
		fmt.Fprintf(b, "  all   %s %5.1f%%\n", bar(m.Value), m.Value)
	}
	for _, label := range set.Labels("busy") {
		if label == "" {
			continue
		}
		m, _ := set.Get("busy", label)
		fmt.Fprintf(b, "  %-5s %s %5.1f%%\n", label, bar(m.Value), m.Value)
	}
	if m, ok := set.Get("iowait", ""); ok && m.Value >= 1 {
		fmt.Fprintf(b, "  iowait %.1f%%\n", m.Value)
	}
}

func (f *Formatter) memorySection(b *strings.Builder, set metrics.Set) {
	if pct, ok := set.Get("used_pct", ""); ok {
		used, _ := set.Get("used", "")
		total, _ := set.Get("total", "")
		fmt.Fprintf(b, "  mem   %s %5.1f%%  %s / %s\n",
			bar(pct.Value), pct.Value, humanBytes(used.Value), humanBytes(total.Value))
	}
	if pct, ok := set.Get("used_pct", "swap"); ok && pct.Value > 0 {
		fmt.Fprintf(b, "  swap  %s %5.1f%%\n", bar(pct.Value), pct.Value)
	}
}

func (f *Formatter) networkSection(b *strings.Builder, set metrics.Set) {
	for _, label := range set.Labels("class") {
		class, _ := set.Get("class", label)
		rx, _ := set.Get("rx_bytes", label)
		tx, _ := set.Get("tx_bytes", label)
		fmt.Fprintf(b, "  %-12s %-4s ↓%-10s ↑%-10s\n",
			label, class.Str, humanRate(rx.Value), humanRate(tx.Value))
	}
}

func (f *Formatter) gpuSection(b *strings.Builder, set metrics.Set) {
	for _, label := range set.Labels("util") {
		util, _ := set.Get("util", label)
		name, _ := set.Get("name", label)
		fmt.Fprintf(b, "  %-5s %s %5.1f%%  %s", label, bar(util.Value), util.Value, name.Str)
		if mem, ok := set.Get("mem_pct", label); ok {
			fmt.Fprintf(b, "  vram %.0f%%", mem.Value)
		}
		if temp, ok := set.Get("temp", label); ok {
			fmt.Fprintf(b, "  %.0f°C", temp.Value)
		}
		if power, ok := set.Get("power", label); ok && power.Value > 0 {
			fmt.Fprintf(b, "  %.0fW", power.Value)
		}
		b.WriteByte('\n')
	}
}

func (f *Formatter) sensorSection(b *strings.Builder, set metrics.Set) {
	for _, label := range set.Labels("temp") {
		temp, _ := set.Get("temp", label)
		cat, _ := set.Get("category", label)
		name, _ := set.Get("name", label)
		fmt.Fprintf(b, "  %-10s %-10s %5.1f°C\n", cat.Str, name.Str, temp.Value)
	}
}

// genericSection lists metrics grouped by label, tags first.
func (f *Formatter) genericSection(b *strings.Builder, set metrics.Set) {
	byLabel := make(map[string][]metrics.Metric)
	var labels []string
	for _, m := range set {
		if _, ok := byLabel[m.Label]; !ok {
			labels = append(labels, m.Label)
		}
		byLabel[m.Label] = append(byLabel[m.Label], m)
	}
	for _, label := range labels {
		var parts []string
		for _, m := range byLabel[label] {
			parts = append(parts, formatMetric(m))
		}
		if label == "" {
			fmt.Fprintf(b, "  %s\n", strings.Join(parts, "  "))
		} else {
			fmt.Fprintf(b, "  %-14s %s\n", label, strings.Join(parts, "  "))
		}
	}
}

func formatMetric(m metrics.Metric) string {
	switch m.Unit {
	case metrics.Tag:
		return m.Str
	case metrics.Percent:
		return fmt.Sprintf("%s %.1f%%", m.Name, m.Value)
	case metrics.Bytes:
		return fmt.Sprintf("%s %s", m.Name, humanBytes(m.Value))
	case metrics.BytesPerSec:
		return fmt.Sprintf("%s %s", m.Name, humanRate(m.Value))
	case metrics.Celsius:
		return fmt.Sprintf("%s %.0f°C", m.Name, m.Value)
	case metrics.Watts:
		return fmt.Sprintf("%s %.0fW", m.Name, m.Value)
	case metrics.RPM:
		return fmt.Sprintf("%s %.0frpm", m.Name, m.Value)
	case metrics.Load:
		return fmt.Sprintf("%s %.2f", m.Name, m.Value)
	case metrics.GBPerSec:
		return fmt.Sprintf("%s %.1fGB/s", m.Name, m.Value)
	case metrics.Seconds:
		return fmt.Sprintf("%s %.0fs", m.Name, m.Value)
	default:
		return fmt.Sprintf("%s %.1f", m.Name, m.Value)
	}
}

// bar renders a percentage as a fixed-width unicode meter, colored by
// load level.
func bar(pct float64) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * barWidth)
	meter := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	switch {
	case pct >= 90:
		return hotStyle.Render(meter)
	case pct >= 70:
		return warnStyle.Render(meter)
	default:
		return okStyle.Render(meter)
	}
}

// humanBytes formats a byte count with a binary-unit suffix.
func humanBytes(v float64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%.0f%s", v, units[i])
	}
	return fmt.Sprintf("%.1f%s", v, units[i])
}

// humanRate formats a bytes-per-second rate.
func humanRate(v float64) string {
	return humanBytes(v) + "/s"
}

// stripANSI removes escape sequences so a stale section can be re-styled
// as a whole.
func stripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		case r == '\x1b':
			inEscape = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
