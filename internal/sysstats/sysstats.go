// Package sysstats collects the real (cpu, disk, mem) heartbeat triple
// every node reports over IsAlive, grounded on gopsutil the way the rest of
// the retrieval pack's infrastructure repos (nomad, yellowstone) use it for
// node-capacity reporting.
package sysstats

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shardmesh/shardmesh/internal/core"
)

// SampleInterval bounds how long cpu.Percent blocks measuring utilization.
const SampleInterval = 200 * time.Millisecond

// Collect samples current CPU, disk (at diskPath), and memory utilization
// as percentages. Any individual sampler failure degrades that field to 0
// rather than failing the whole heartbeat.
func Collect(diskPath string) core.NodeStats {
	var s core.NodeStats

	if pcts, err := cpu.Percent(SampleInterval, false); err == nil && len(pcts) > 0 {
		s.CPU = pcts[0]
	}
	if usage, err := disk.Usage(diskPath); err == nil {
		s.Disk = usage.UsedPercent
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.Mem = vm.UsedPercent
	}
	return s
}
