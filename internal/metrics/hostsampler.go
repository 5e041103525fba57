package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostSampler periodically samples host CPU and memory usage into the
// registry's gauges. Adapted from src/resource_guard.go's gopsutil-backed
// CPU sampling, narrowed from an admission-control signal (the source uses
// it to reject/pause work) to a plain observability gauge, since this
// system has no NATS/broadcast rate to guard against — that role is filled
// here by the per-connection inbound rate limiter instead.
type HostSampler struct {
	registry *Registry
	logger   *zap.Logger
	interval time.Duration
}

// NewHostSampler creates a sampler with the given sampling interval.
func NewHostSampler(registry *Registry, logger *zap.Logger, interval time.Duration) *HostSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostSampler{registry: registry, logger: logger, interval: interval}
}

// Run samples until ctx is cancelled. Intended to be launched in its own
// goroutine from main.
func (h *HostSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sample()
		}
	}
}

func (h *HostSampler) sample() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		h.registry.HostCPUPercent.Set(percents[0])
	} else if err != nil {
		h.logger.Debug("cpu sample failed", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		h.registry.HostMemBytes.Set(float64(vm.Used))
	} else {
		h.logger.Debug("memory sample failed", zap.Error(err))
	}
}
