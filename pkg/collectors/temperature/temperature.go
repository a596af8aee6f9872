// Package temperature reads temperature and fan sensors from
// /sys/class/hwmon, with IPMI sensor data mixed in when ipmitool works.
// hwmon reads are slow enough (~3ms per sensor) that the sensor layout is
// discovered once and cached, leaving only the *_input files to read per
// tick; the layout is re-discovered every 30 collections to pick up
// hot-plugged devices.
package temperature

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/collectors/gpu"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

const (
	relayoutEvery = 30              // collections between layout re-scans
	resultTTL     = 5 * time.Second // hwmon read cache
	ipmiTTL       = 10 * time.Second
)

// driverCategory maps a hwmon driver name to a display category.
var driverCategory = map[string]string{
	"k10temp":   "CPU",
	"coretemp":  "CPU",
	"zenpower":  "CPU",
	"nvme":      "NVMe",
	"drivetemp": "Disk",
	"amdgpu":    "GPU",
	"nouveau":   "GPU",
	"radeon":    "GPU",
	"acpitz":    "ACPI",
	"thinkpad":  "Thinkpad",
	"iwlwifi_1": "WiFi",
	"nct6775":   "Mainboard",
	"nct6776":   "Mainboard",
	"nct6779":   "Mainboard",
	"nct6791":   "Mainboard",
	"nct6792":   "Mainboard",
	"nct6793":   "Mainboard",
	"nct6795":   "Mainboard",
	"nct6796":   "Mainboard",
	"nct6798":   "Mainboard",
	"it8688":    "Mainboard",
	"it8689":    "Mainboard",
	"it8665":    "Mainboard",
}

// TempSensor is one temperature reading with its static thresholds.
type TempSensor struct {
	Label string
	TempC float64
	CritC float64
	MaxC  float64
}

// FanSensor is one fan tach reading.
type FanSensor struct {
	Label  string
	RPM    int
	MinRPM int
}

// Device groups the sensors of one hwmon chip or IPMI category.
type Device struct {
	Name        string // driver name (k10temp, nvme, ipmi)
	Category    string
	DeviceLabel string // nvme0, PCI address, "IPMI BMC"
	Sensors     []TempSensor
	Fans        []FanSensor
}

// PrimaryTemp is the first sensor's reading, the chip's headline value.
func (d Device) PrimaryTemp() float64 {
	if len(d.Sensors) == 0 {
		return 0
	}
	return d.Sensors[0].TempC
}

// HottestTemp is the maximum across the chip's sensors.
func (d Device) HottestTemp() float64 {
	hottest := 0.0
	for _, s := range d.Sensors {
		if s.TempC > hottest {
			hottest = s.TempC
		}
	}
	return hottest
}

// cachedSensor holds a sensor's input path plus its immutable metadata,
// so per-tick reads touch only the _input file.
type cachedSensor struct {
	inputPath string
	label     string
	critC     float64
	maxC      float64
	minRPM    int
}

type cachedHwmon struct {
	driver      string
	category    string
	deviceLabel string
	temps       []cachedSensor
	fans        []cachedSensor
}

// Collector reads hwmon and IPMI sensors. IPMI queries run on a
// background goroutine so a slow BMC never stalls a tick.
type Collector struct {
	sys string
	run gpu.Runner
	now func() time.Time

	layout []cachedHwmon
	tick   int

	cache   []Device
	cacheAt time.Time

	mu          sync.Mutex
	ipmiCmd     []string // resolved command prefix, nil until probed
	ipmiBroken  bool
	ipmiRunning bool
	ipmiCache   []Device
	ipmiAt      time.Time
	ipmiPending []Device
}

// New creates the temperature collector.
func New() *Collector {
	c := &Collector{sys: "/sys", run: gpu.ExecRunner, now: time.Now}
	if _, err := exec.LookPath("ipmitool"); err != nil {
		c.ipmiBroken = true
	}
	return c
}

// Name returns the collector family identifier.
func (c *Collector) Name() string {
	return capability.Temperature
}

// Collect returns the current sensor readings as a metric set.
func (c *Collector) Collect() (metrics.Set, error) {
	return toSet(c.devices()), nil
}

func (c *Collector) devices() []Device {
	now := c.now()
	if c.cache != nil && now.Sub(c.cacheAt) < resultTTL {
		return c.cache
	}

	if c.layout == nil || c.tick >= relayoutEvery {
		c.layout = c.discoverLayout()
		c.tick = 0
	}
	c.tick++

	var devices []Device
	for _, hw := range c.layout {
		d := Device{Name: hw.driver, Category: hw.category, DeviceLabel: hw.deviceLabel}
		for _, ts := range hw.temps {
			millideg := readInt(ts.inputPath)
			if millideg == 0 {
				continue
			}
			d.Sensors = append(d.Sensors, TempSensor{
				Label: ts.label,
				TempC: float64(millideg) / 1000,
				CritC: ts.critC,
				MaxC:  ts.maxC,
			})
		}
		for _, fs := range hw.fans {
			d.Fans = append(d.Fans, FanSensor{
				Label:  fs.label,
				RPM:    int(readInt(fs.inputPath)),
				MinRPM: fs.minRPM,
			})
		}
		if len(d.Sensors) > 0 || len(d.Fans) > 0 {
			devices = append(devices, d)
		}
	}

	devices = append(devices, c.collectIPMI(now)...)

	c.cache = devices
	c.cacheAt = now
	return devices
}

// discoverLayout scans every hwmon chip for its sensor files, resolving
// labels and thresholds up front since they never change.
func (c *Collector) discoverLayout() []cachedHwmon {
	root := filepath.Join(c.sys, "class/hwmon")
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var layout []cachedHwmon
	for _, entry := range names {
		dir := filepath.Join(root, entry)
		driver := readString(filepath.Join(dir, "name"))
		if driver == "" {
			continue
		}
		category, ok := driverCategory[driver]
		if !ok {
			category = "Other"
		}
		hw := cachedHwmon{driver: driver, category: category, deviceLabel: deviceLabel(dir)}

		for i := 1; i < 20; i++ {
			input := filepath.Join(dir, "temp"+strconv.Itoa(i)+"_input")
			if _, err := os.Stat(input); err != nil {
				continue
			}
			label := readString(filepath.Join(dir, "temp"+strconv.Itoa(i)+"_label"))
			if label == "" {
				label = "temp" + strconv.Itoa(i)
			}
			hw.temps = append(hw.temps, cachedSensor{
				inputPath: input,
				label:     label,
				critC:     float64(readInt(filepath.Join(dir, "temp"+strconv.Itoa(i)+"_crit"))) / 1000,
				maxC:      float64(readInt(filepath.Join(dir, "temp"+strconv.Itoa(i)+"_max"))) / 1000,
			})
		}
		for i := 1; i < 10; i++ {
			input := filepath.Join(dir, "fan"+strconv.Itoa(i)+"_input")
			if _, err := os.Stat(input); err != nil {
				continue
			}
			label := readString(filepath.Join(dir, "fan"+strconv.Itoa(i)+"_label"))
			if label == "" {
				label = "fan" + strconv.Itoa(i)
			}
			hw.fans = append(hw.fans, cachedSensor{
				inputPath: input,
				label:     label,
				minRPM:    int(readInt(filepath.Join(dir, "fan"+strconv.Itoa(i)+"_min"))),
			})
		}
		if len(hw.temps) > 0 || len(hw.fans) > 0 {
			layout = append(layout, hw)
		}
	}
	return layout
}

// deviceLabel identifies the device behind a hwmon chip from its device
// symlink: an nvme controller name or a PCI address.
func deviceLabel(hwmonDir string) string {
	real, err := filepath.EvalSymlinks(filepath.Join(hwmonDir, "device"))
	if err != nil {
		return ""
	}
	name := filepath.Base(real)
	if strings.HasPrefix(name, "nvme") || strings.Contains(name, ":") {
		return name
	}
	return ""
}

// collectIPMI returns the cached IPMI devices, refreshing them on a
// background goroutine when the cache expires.
func (c *Collector) collectIPMI(now time.Time) []Device {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ipmiBroken {
		return nil
	}
	if c.ipmiPending != nil {
		c.ipmiCache = c.ipmiPending
		c.ipmiAt = now
		c.ipmiPending = nil
	}
	if len(c.ipmiCache) > 0 && now.Sub(c.ipmiAt) < ipmiTTL {
		return c.ipmiCache
	}
	if !c.ipmiRunning {
		c.ipmiRunning = true
		go c.ipmiWorker()
	}
	return c.ipmiCache
}

// ipmiWorker runs ipmitool sdr list, trying plain and passwordless-sudo
// invocations on first use. Marks IPMI broken when neither works.
func (c *Collector) ipmiWorker() {
	defer func() {
		c.mu.Lock()
		c.ipmiRunning = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	cmd := c.ipmiCmd
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []byte
	if cmd == nil {
		for _, candidate := range [][]string{{"ipmitool"}, {"sudo", "-n", "ipmitool"}} {
			raw, err := c.run(ctx, candidate[0], append(candidate[1:], "sdr", "list")...)
			if err == nil && len(strings.TrimSpace(string(raw))) > 0 {
				out = raw
				cmd = candidate
				break
			}
		}
		c.mu.Lock()
		if cmd == nil {
			c.ipmiBroken = true
			c.mu.Unlock()
			return
		}
		c.ipmiCmd = cmd
		c.mu.Unlock()
	} else {
		raw, err := c.run(ctx, cmd[0], append(cmd[1:], "sdr", "list")...)
		if err != nil {
			return
		}
		out = raw
	}

	devices := ParseIPMISDR(string(out))
	c.mu.Lock()
	c.ipmiPending = devices
	c.mu.Unlock()
}

// ParseIPMISDR parses "name | value | status" rows from ipmitool sdr
// list, grouping temperatures into Mainboard, VRM, DDR and Other devices
// plus chassis fans. Rows whose status is not "ok" are skipped.
func ParseIPMISDR(out string) []Device {
	var (
		mbTemps, vrmTemps, ddrTemps, otherTemps []TempSensor
		fans                                    []FanSensor
	)
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if strings.TrimSpace(parts[2]) != "ok" {
			continue
		}

		if strings.Contains(strings.ToUpper(name), "FAN") && strings.Contains(value, "RPM") {
			rpm, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(value, "RPM")))
			if err == nil {
				fans = append(fans, FanSensor{Label: name, RPM: rpm})
			}
			continue
		}
		if !strings.Contains(value, "degrees C") {
			continue
		}
		tempC, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(value, "degrees C")), 64)
		if err != nil {
			continue
		}
		sensor := TempSensor{Label: name, TempC: tempC}
		upper := strings.ToUpper(name)
		switch {
		case strings.Contains(upper, "DDR"):
			ddrTemps = append(ddrTemps, sensor)
		case strings.Contains(upper, "VRM"):
			vrmTemps = append(vrmTemps, sensor)
		case strings.Contains(upper, "MB") || upper == "TEMP_CPU":
			mbTemps = append(mbTemps, sensor)
		default:
			otherTemps = append(otherTemps, sensor)
		}
	}

	var devices []Device
	if len(mbTemps) > 0 || len(fans) > 0 {
		devices = append(devices, Device{
			Name: "ipmi", Category: "Mainboard", DeviceLabel: "IPMI BMC",
			Sensors: mbTemps, Fans: fans,
		})
	}
	if len(vrmTemps) > 0 {
		devices = append(devices, Device{Name: "ipmi", Category: "VRM", DeviceLabel: "VRM", Sensors: vrmTemps})
	}
	if len(ddrTemps) > 0 {
		devices = append(devices, Device{Name: "ipmi", Category: "DDR", DeviceLabel: "DDR", Sensors: ddrTemps})
	}
	if len(otherTemps) > 0 {
		devices = append(devices, Device{Name: "ipmi", Category: "Other", DeviceLabel: "IPMI", Sensors: otherTemps})
	}
	return devices
}

func readString(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func readInt(path string) int64 {
	v, err := strconv.ParseInt(readString(path), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func toSet(devices []Device) metrics.Set {
	var set metrics.Set
	set.Add("devices", "", float64(len(devices)), metrics.Count)
	for i, d := range devices {
		label := "s" + strconv.Itoa(i)
		set.AddTag("name", label, d.Name)
		set.AddTag("category", label, d.Category)
		if d.DeviceLabel != "" {
			set.AddTag("device", label, d.DeviceLabel)
		}
		if len(d.Sensors) > 0 {
			set.Add("temp", label, d.PrimaryTemp(), metrics.Celsius)
			set.Add("temp_hi", label, d.HottestTemp(), metrics.Celsius)
			if crit := d.Sensors[0].CritC; crit > 0 {
				set.Add("crit", label, crit, metrics.Celsius)
			}
		}
		for j, f := range d.Fans {
			flabel := label + ".f" + strconv.Itoa(j)
			set.AddTag("fan_name", flabel, f.Label)
			set.Add("fan", flabel, float64(f.RPM), metrics.RPM)
			if f.MinRPM > 0 {
				set.Add("fan_min", flabel, float64(f.MinRPM), metrics.RPM)
			}
		}
	}
	return set
}
