package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/savegress/pulsewatch/internal/config"
)

// LocalSource reports host-level usage so the engine that watches remote
// services can also alert on its own machine.
type LocalSource struct {
	id     string
	prefix string
}

// NewLocalSource creates a host metrics source.
func NewLocalSource(cfg config.SourceConfig) *LocalSource {
	return &LocalSource{id: cfg.ID, prefix: cfg.Prefix}
}

// ID returns the source identifier.
func (s *LocalSource) ID() string {
	return s.id
}

// Fetch samples cpu, memory, disk, and load. Probes that fail on this
// platform are skipped; the fetch fails only when nothing could be read.
func (s *LocalSource) Fetch(ctx context.Context) (map[string]Value, error) {
	out := make(map[string]Value, 4)
	var lastErr error

	if percs, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percs) > 0 {
		out[s.prefix+"cpu_percent"] = NumberValue(percs[0])
	} else if err != nil {
		lastErr = err
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out[s.prefix+"memory_percent"] = NumberValue(vm.UsedPercent)
	} else {
		lastErr = err
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		out[s.prefix+"disk_percent"] = NumberValue(du.UsedPercent)
	} else {
		lastErr = err
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		out[s.prefix+"load_1"] = NumberValue(avg.Load1)
	} else {
		lastErr = err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no host metrics available: %w", lastErr)
	}
	return out, nil
}
