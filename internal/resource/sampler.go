package resource

import (
	"context"
	"fmt"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sampler measures the current process.
type Sampler interface {
	// CPUPercent returns usage since the previous call, where 100 is one full core.
	CPUPercent(ctx context.Context) (float64, error)
	// RSS returns resident memory in bytes.
	RSS(ctx context.Context) (uint64, error)
}

// ProcessSampler reads this process's counters through gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler creates a sampler for the running process.
func NewProcessSampler(ctx context.Context) (*ProcessSampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process handle: %w", err)
	}
	// Prime the CPU counter so the first real sample covers a full interval.
	_, _ = proc.PercentWithContext(ctx, 0)
	return &ProcessSampler{proc: proc}, nil
}

// CPUPercent implements Sampler.
func (s *ProcessSampler) CPUPercent(ctx context.Context) (float64, error) {
	return s.proc.PercentWithContext(ctx, 0)
}

// RSS implements Sampler.
func (s *ProcessSampler) RSS(ctx context.Context) (uint64, error) {
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// MemoryLimits resolves the warning and hard memory thresholds in bytes.
// Explicit values win; otherwise the cgroup limit, then total host memory,
// is used as the base with warning at 75% and hard stop at 90%.
func MemoryLimits(ctx context.Context, warningMB, limitMB int) (warning, limit uint64, source string, err error) {
	const mb = 1 << 20

	if limitMB > 0 {
		limit = uint64(limitMB) * mb
		source = "config"
		if warningMB > 0 {
			warning = uint64(warningMB) * mb
		} else {
			warning = limit / 4 * 3
		}
		return warning, limit, source, nil
	}

	var base uint64
	if cg, cgErr := memlimit.FromCgroup(); cgErr == nil && cg > 0 {
		base = cg
		source = "cgroup"
	} else {
		vm, vmErr := mem.VirtualMemoryWithContext(ctx)
		if vmErr != nil {
			return 0, 0, "", fmt.Errorf("failed to determine memory limit: %w", vmErr)
		}
		base = vm.Total
		source = "host"
	}

	limit = base / 10 * 9
	if warningMB > 0 {
		warning = uint64(warningMB) * mb
	} else {
		warning = base / 4 * 3
	}
	if warning >= limit {
		warning = limit / 4 * 3
	}
	return warning, limit, source, nil
}
