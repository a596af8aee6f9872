package gpu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hostmeter/hostmeter/pkg/capability"
	"github.com/hostmeter/hostmeter/pkg/collectors/process"
	"github.com/hostmeter/hostmeter/pkg/metrics"
)

// Proc is one compute process holding GPU memory.
type Proc struct {
	PID        int
	GPUIndex   int
	MemUsedMiB float64
	Name       string
}

// Process collects the compute processes running on NVIDIA GPUs, joined
// against /proc/[pid]/cmdline so interpreters resolve to the script they
// run rather than "python".
type Process struct {
	run     Runner
	timeout time.Duration
	proc    string
	topN    int
}

// NewProcess creates the GPU process collector.
func NewProcess(topN int) *Process {
	if topN <= 0 {
		topN = process.DefaultTopN
	}
	return &Process{run: ExecRunner, timeout: DefaultTimeout, proc: "/proc", topN: topN}
}

// Name returns the collector family identifier.
func (c *Process) Name() string {
	return capability.GPUProcess
}

// Collect queries compute apps and the uuid-to-index map, then emits the
// top processes by GPU memory.
func (c *Process) Collect() (metrics.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	apps, err := c.run(ctx, "nvidia-smi",
		"--query-compute-apps=pid,gpu_uuid,used_gpu_memory,process_name",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi compute-apps: %w", err)
	}
	idx, err := c.run(ctx, "nvidia-smi", "--query-gpu=index,uuid", "--format=csv,noheader")
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi uuid map: %w", err)
	}

	procs := ParseComputeApps(apps, ParseUUIDMap(idx))
	for i := range procs {
		if name := c.friendlyName(procs[i].PID); name != "" {
			procs[i].Name = name
		}
	}
	return procSet(procs, c.topN), nil
}

// ParseUUIDMap parses "index, uuid" CSV rows into a uuid-to-index map.
func ParseUUIDMap(out []byte) map[string]int {
	m := make(map[string]int)
	for _, line := range strings.Split(string(out), "\n") {
		fields := splitCSV(line)
		if len(fields) < 2 {
			continue
		}
		if idx, err := strconv.Atoi(fields[0]); err == nil {
			m[fields[1]] = idx
		}
	}
	return m
}

// ParseComputeApps parses compute-app CSV rows. A uuid missing from the
// map leaves GPUIndex at -1; rows without a numeric pid are dropped.
func ParseComputeApps(out []byte, uuidIdx map[string]int) []Proc {
	var procs []Proc
	for _, line := range strings.Split(string(out), "\n") {
		fields := splitCSV(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		p := Proc{PID: pid, GPUIndex: -1, Name: filepath.Base(fields[3])}
		if idx, ok := uuidIdx[fields[1]]; ok {
			p.GPUIndex = idx
		}
		if mem, err := strconv.ParseFloat(fields[2], 64); err == nil {
			p.MemUsedMiB = mem
		}
		procs = append(procs, p)
	}
	return procs
}

// friendlyName resolves a pid's cmdline to a display name. The process may
// have exited between the query and the read; that just keeps the name
// nvidia-smi reported.
func (c *Process) friendlyName(pid int) string {
	raw, err := os.ReadFile(filepath.Join(c.proc, strconv.Itoa(pid), "cmdline"))
	if err != nil || len(raw) == 0 {
		return ""
	}
	cmdline := strings.ReplaceAll(strings.TrimRight(string(raw), "\x00"), "\x00", " ")
	return process.FriendlyName(cmdline, "")
}

func procSet(procs []Proc, topN int) metrics.Set {
	sort.Slice(procs, func(i, j int) bool {
		if procs[i].MemUsedMiB != procs[j].MemUsedMiB {
			return procs[i].MemUsedMiB > procs[j].MemUsedMiB
		}
		return procs[i].PID < procs[j].PID
	})
	if len(procs) > topN {
		procs = procs[:topN]
	}

	var set metrics.Set
	set.Add("procs", "", float64(len(procs)), metrics.Count)
	for i, p := range procs {
		label := "p" + strconv.Itoa(i)
		set.AddTag("name", label, p.Name)
		set.Add("pid", label, float64(p.PID), metrics.Count)
		set.Add("gpu", label, float64(p.GPUIndex), metrics.Count)
		set.Add("mem_used", label, p.MemUsedMiB*1024*1024, metrics.Bytes)
	}
	return set
}
