// Package resource samples host or container memory and CPU load for the
// run scheduler's memory circuit breaker.
package resource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample is one reading of memory and load.
type Sample struct {
	MemoryUsed  uint64
	MemoryTotal uint64
	// Load1 is the one-minute load average.
	Load1  float64
	Source string
}

// MemoryRatio returns used/total, zero when the total is unknown.
func (s Sample) MemoryRatio() float64 {
	if s.MemoryTotal == 0 {
		return 0
	}
	return float64(s.MemoryUsed) / float64(s.MemoryTotal)
}

// Sampler reads the current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// cgroup v1 reports "no limit" as a huge page-aligned number.
const cgroupV1Unlimited = 1 << 62

// Probe reads cgroup v2, then cgroup v1, then /proc/meminfo.
type Probe struct {
	root string
}

// NewProbe creates a Probe reading files under root, normally "/".
func NewProbe(root string) *Probe {
	if root == "" {
		root = "/"
	}
	return &Probe{root: root}
}

// Sample returns the first memory reading that succeeds. A missing load
// average is not an error.
func (p *Probe) Sample(_ context.Context) (Sample, error) {
	var s Sample
	var err error
	for _, read := range []func() (Sample, error){p.cgroupV2, p.cgroupV1, p.meminfo} {
		if s, err = read(); err == nil {
			break
		}
	}
	if err != nil {
		return Sample{}, fmt.Errorf("sample memory: %w", err)
	}
	if load, lerr := p.loadavg(); lerr == nil {
		s.Load1 = load
	}
	return s, nil
}

func (p *Probe) path(parts ...string) string {
	return filepath.Join(append([]string{p.root}, parts...)...)
}

func (p *Probe) cgroupV2() (Sample, error) {
	limit, err := readTrimmed(p.path("sys/fs/cgroup/memory.max"))
	if err != nil {
		return Sample{}, err
	}
	if limit == "max" {
		return Sample{}, errors.New("cgroup v2: no memory limit")
	}
	total, err := strconv.ParseUint(limit, 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("cgroup v2 memory.max: %w", err)
	}
	used, err := readUint(p.path("sys/fs/cgroup/memory.current"))
	if err != nil {
		return Sample{}, err
	}
	return Sample{MemoryUsed: used, MemoryTotal: total, Source: "cgroup2"}, nil
}

func (p *Probe) cgroupV1() (Sample, error) {
	total, err := readUint(p.path("sys/fs/cgroup/memory/memory.limit_in_bytes"))
	if err != nil {
		return Sample{}, err
	}
	if total >= cgroupV1Unlimited {
		return Sample{}, errors.New("cgroup v1: no memory limit")
	}
	used, err := readUint(p.path("sys/fs/cgroup/memory/memory.usage_in_bytes"))
	if err != nil {
		return Sample{}, err
	}
	return Sample{MemoryUsed: used, MemoryTotal: total, Source: "cgroup1"}, nil
}

func (p *Probe) meminfo() (Sample, error) {
	f, err := os.Open(p.path("proc/meminfo"))
	if err != nil {
		return Sample{}, err
	}
	defer f.Close()

	fields := make(map[string]uint64)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		fields[key] = n * 1024
	}
	if err := sc.Err(); err != nil {
		return Sample{}, fmt.Errorf("read meminfo: %w", err)
	}
	total, ok := fields["MemTotal"]
	if !ok || total == 0 {
		return Sample{}, errors.New("meminfo: MemTotal missing")
	}
	avail, ok := fields["MemAvailable"]
	if !ok {
		avail = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	if avail > total {
		avail = total
	}
	return Sample{MemoryUsed: total - avail, MemoryTotal: total, Source: "meminfo"}, nil
}

func (p *Probe) loadavg() (float64, error) {
	s, err := readTrimmed(p.path("proc/loadavg"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("loadavg: empty")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func readUint(path string) (uint64, error) {
	s, err := readTrimmed(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return n, nil
}

// Static is a Sampler returning a fixed reading.
type Static Sample

// Sample returns s.
func (s Static) Sample(context.Context) (Sample, error) {
	return Sample(s), nil
}
