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

package system

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestVCPUCountCgroupV2(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "/proc/self/cgroup", "0::/mygroup\n")
	writeFile(t, root, "/sys/fs/cgroup/mygroup/cpu.max", "200000 100000\n")

	p := &Probe{Root: root}
	want := 2
	if hw := runtime.NumCPU(); hw < want {
		want = hw
	}
	require.Equal(t, want, p.VCPUCount())
}

func TestVCPUCountCgroupV2Unlimited(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "/proc/self/cgroup", "0::/mygroup\n")
	writeFile(t, root, "/sys/fs/cgroup/mygroup/cpu.max", "max 100000\n")

	p := &Probe{Root: root}
	require.Equal(t, runtime.NumCPU(), p.VCPUCount())
}

func TestVCPUCountCgroupV1(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "/proc/self/cgroup",
		"12:cpu,cpuacct:/docker/abc\n3:memory:/docker/abc\n")
	writeFile(t, root, "/sys/fs/cgroup/cpu/docker/abc/cpu.cfs_quota_us", "100000\n")
	writeFile(t, root, "/sys/fs/cgroup/cpu/docker/abc/cpu.cfs_period_us", "100000\n")

	p := &Probe{Root: root}
	require.Equal(t, 1, p.VCPUCount())
}

func TestVCPUCountNoCgroup(t *testing.T) {
	p := &Probe{Root: t.TempDir()}
	require.Equal(t, runtime.NumCPU(), p.VCPUCount())
}

func TestAvailableMemoryCappedByV2Limit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "/proc/self/cgroup", "0::/mygroup\n")
	writeFile(t, root, "/sys/fs/cgroup/mygroup/memory.max", "1073741824\n")
	writeFile(t, root, "/proc/meminfo", "MemTotal:       8388608 kB\n")

	p := &Probe{Root: root}
	require.Equal(t, uint64(1073741824), p.AvailableMemory())
}

func TestAvailableMemoryCappedByV1Limit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "/proc/self/cgroup", "3:memory:/docker/abc\n")
	writeFile(t, root, "/sys/fs/cgroup/memory/docker/abc/memory.limit_in_bytes", "536870912\n")
	writeFile(t, root, "/proc/meminfo", "MemTotal:       8388608 kB\n")

	p := &Probe{Root: root}
	require.Equal(t, uint64(536870912), p.AvailableMemory())
}

func TestAvailableMemoryUnlimited(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "/proc/meminfo", "MemTotal:       8388608 kB\n")

	p := &Probe{Root: root}
	require.Equal(t, uint64(8388608*1024), p.AvailableMemory())
}
