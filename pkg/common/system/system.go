// Copyright 2023 The Moxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package system exposes the effective CPU and memory limits of the
// process, honouring cgroup v1 and v2 quotas when the proxy runs inside
// a container.
package system

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Probe reads limits from a filesystem root. The zero root probes the
// real system; tests point it at a fixture tree.
type Probe struct {
	// Root is prepended to every path read, "" means the real root.
	Root string
}

var defaultProbe = &Probe{}

// VCPUCount returns min(hardware concurrency, cgroup cpu quota).
func VCPUCount() int {
	return defaultProbe.VCPUCount()
}

// AvailableMemory returns the usable memory in bytes, capped by the
// cgroup memory limit when one is set.
func AvailableMemory() uint64 {
	return defaultProbe.AvailableMemory()
}

// VCPUCount returns min(hardware concurrency, cgroup cpu quota).
func (p *Probe) VCPUCount() int {
	hw := runtime.NumCPU()
	quota, period, ok := p.cpuQuota()
	if !ok || quota <= 0 || period <= 0 {
		return hw
	}
	n := int(quota / period)
	if n < 1 {
		n = 1
	}
	if n < hw {
		return n
	}
	return hw
}

// AvailableMemory returns the usable memory in bytes.
func (p *Probe) AvailableMemory() uint64 {
	total := p.totalMemory()
	limit, ok := p.memoryLimit()
	if ok && limit > 0 && limit < total {
		return limit
	}
	return total
}

// cgroupV2 reports whether the process is in a cgroup v2 unified
// hierarchy, returning the controller path.
func (p *Probe) cgroupV2() (string, bool) {
	f, err := os.Open(p.path("/proc/self/cgroup"))
	if err != nil {
		return "", false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "0::") {
			return strings.TrimPrefix(line, "0::"), true
		}
	}
	return "", false
}

// cgroupV1Path returns the relative cgroup path of controller, v1 only.
func (p *Probe) cgroupV1Path(controller string) (string, bool) {
	f, err := os.Open(p.path("/proc/self/cgroup"))
	if err != nil {
		return "", false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		for _, c := range strings.Split(parts[1], ",") {
			if c == controller {
				return parts[2], true
			}
		}
	}
	return "", false
}

// cpuQuota returns (quota, period) in microseconds.
func (p *Probe) cpuQuota() (int64, int64, bool) {
	if rel, ok := p.cgroupV2(); ok {
		// cpu.max holds "max 100000" or "200000 100000".
		data, err := os.ReadFile(p.path(filepath.Join("/sys/fs/cgroup", rel, "cpu.max")))
		if err != nil {
			return 0, 0, false
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 || fields[0] == "max" {
			return 0, 0, false
		}
		quota, err1 := strconv.ParseInt(fields[0], 10, 64)
		period, err2 := strconv.ParseInt(fields[1], 10, 64)
		if err1 != nil || err2 != nil {
			return 0, 0, false
		}
		return quota, period, true
	}
	rel, ok := p.cgroupV1Path("cpu")
	if !ok {
		return 0, 0, false
	}
	base := filepath.Join("/sys/fs/cgroup/cpu", rel)
	quota, ok1 := p.readInt(filepath.Join(base, "cpu.cfs_quota_us"))
	period, ok2 := p.readInt(filepath.Join(base, "cpu.cfs_period_us"))
	if !ok1 || !ok2 || quota < 0 {
		return 0, 0, false
	}
	return quota, period, true
}

// memoryLimit returns the cgroup memory limit in bytes.
func (p *Probe) memoryLimit() (uint64, bool) {
	if rel, ok := p.cgroupV2(); ok {
		data, err := os.ReadFile(p.path(filepath.Join("/sys/fs/cgroup", rel, "memory.max")))
		if err != nil {
			return 0, false
		}
		s := strings.TrimSpace(string(data))
		if s == "max" {
			return 0, false
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	rel, ok := p.cgroupV1Path("memory")
	if !ok {
		return 0, false
	}
	v, ok := p.readInt(filepath.Join("/sys/fs/cgroup/memory", rel, "memory.limit_in_bytes"))
	if !ok || v < 0 {
		return 0, false
	}
	return uint64(v), true
}

// totalMemory reads MemTotal from /proc/meminfo, in bytes.
func (p *Probe) totalMemory() uint64 {
	f, err := os.Open(p.path("/proc/meminfo"))
	if err != nil {
		return 0
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

func (p *Probe) readInt(path string) (int64, bool) {
	data, err := os.ReadFile(p.path(path))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *Probe) path(rel string) string {
	if p.Root == "" {
		return rel
	}
	return filepath.Join(p.Root, rel)
}
