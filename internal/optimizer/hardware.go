package optimizer

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"
)

const gib = 1 << 30

// Hardware describes the host for local planning.
type Hardware struct {
	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// MemoryGiB returns total memory in GiB.
func (h Hardware) MemoryGiB() float64 {
	return float64(h.MemoryBytes) / gib
}

func (h Hardware) normalized() Hardware {
	if h.CPUs < 1 {
		h.CPUs = 1
	}
	return h
}

// DetectHardware reads CPU count and total memory. If memory cannot be
// read it is reported as 0, which selects the lowest tier.
func DetectHardware(ctx context.Context) Hardware {
	hw := Hardware{CPUs: runtime.NumCPU()}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw.MemoryBytes = vm.Total
	}
	return hw.normalized()
}
