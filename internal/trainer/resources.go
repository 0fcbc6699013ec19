package trainer

import (
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const cpuSampleInterval = 1 * time.Second

// ResourceGate pauses job leasing when the host is under memory or CPU
// pressure (§4.3: "pause leasing when process memory usage > 85% or CPU >
// 90% averaged over 1 s"), the way the original's psutil-based
// ResourceMonitor.check_resources() does.
type ResourceGate struct {
	memoryThresholdPct float64
	cpuThresholdPct    float64
}

// NewResourceGate constructs a gate with the configured thresholds.
func NewResourceGate(memoryThresholdPct, cpuThresholdPct float64) *ResourceGate {
	return &ResourceGate{memoryThresholdPct: memoryThresholdPct, cpuThresholdPct: cpuThresholdPct}
}

// OK samples current memory and CPU usage (1s average for CPU) and reports
// whether the worker may lease more jobs.
func (g *ResourceGate) OK() (bool, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false, err
	}
	if vm.UsedPercent > g.memoryThresholdPct {
		return false, nil
	}

	percents, err := cpu.Percent(cpuSampleInterval, false)
	if err != nil {
		return false, err
	}
	if len(percents) > 0 && percents[0] > g.cpuThresholdPct {
		return false, nil
	}
	return true, nil
}
