// Package metrics defines the normalized metric model shared by all
// collectors: unit-tagged values, per-collector metric sets, and the
// immutable per-tick snapshot handed to renderers.
package metrics

import "time"

// Unit tags a metric value so renderers can format it without knowing the
// collector that produced it.
type Unit string

const (
	Percent     Unit = "percent"
	Bytes       Unit = "bytes"
	BytesPerSec Unit = "bytes/s"
	PerSec      Unit = "1/s"
	Count       Unit = "count"
	Load        Unit = "load"
	Celsius     Unit = "celsius"
	Watts       Unit = "watts"
	RPM         Unit = "rpm"
	Seconds     Unit = "seconds"
	GBPerSec    Unit = "GB/s"

	// Tag marks a string-valued metric (interface class, device name,
	// kernel version). The value lives in Metric.Str.
	Tag Unit = "tag"
)

// Metric is one named, unit-tagged value. Label distinguishes instances of
// the same metric within a collector (core index, device, interface, pid).
type Metric struct {
	Name  string  `json:"name"`
	Label string  `json:"label,omitempty"`
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit"`
	Str   string  `json:"str,omitempty"`
}

// Set is an ordered collection of metrics produced by one collector for one
// tick. Order is meaningful (top-process lists are pre-sorted).
type Set []Metric

// Add appends a numeric metric.
func (s *Set) Add(name, label string, value float64, unit Unit) {
	*s = append(*s, Metric{Name: name, Label: label, Value: value, Unit: unit})
}

// AddTag appends a string-valued metric.
func (s *Set) AddTag(name, label, value string) {
	*s = append(*s, Metric{Name: name, Label: label, Unit: Tag, Str: value})
}

// Get returns the first metric matching name and label.
func (s Set) Get(name, label string) (Metric, bool) {
	for _, m := range s {
		if m.Name == name && m.Label == label {
			return m, true
		}
	}
	return Metric{}, false
}

// Labels returns the distinct labels carried by metrics named name, in
// first-seen order.
func (s Set) Labels(name string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range s {
		if m.Name != name || seen[m.Label] {
			continue
		}
		seen[m.Label] = true
		out = append(out, m.Label)
	}
	return out
}

// Result is one collector's contribution to a snapshot. Stale is set when
// the collector failed or timed out this tick; Set then holds the most
// recent successful metrics (possibly nil on the first tick).
type Result struct {
	Set   Set    `json:"metrics"`
	Stale bool   `json:"stale,omitempty"`
	Err   string `json:"error,omitempty"`
}

// Snapshot is the aggregated frame for one tick. It is never mutated after
// construction; renderers hold it read-only. The key set of Results equals
// the activated collector set for the whole run, independent of per-tick
// failures.
type Snapshot struct {
	Taken   time.Time         `json:"taken"`
	Elapsed time.Duration     `json:"elapsed"`
	Results map[string]Result `json:"results"`
}
