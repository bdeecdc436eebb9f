package agent

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// sampleSystemUsage returns host cpu and memory usage in percent. Failed
// samples read as zero.
func sampleSystemUsage(ctx context.Context) (float64, float64) {
	var (
		cpuUsage, memUsage float64
		wg                 sync.WaitGroup
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		if v, err := cpuPercentWithContext(ctx); err == nil {
			cpuUsage = v
		}
	}()

	go func() {
		defer wg.Done()
		if v, err := memoryPercentWithContext(ctx); err == nil {
			memUsage = v
		}
	}()

	wg.Wait()
	return cpuUsage, memUsage
}

func cpuPercentWithContext(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, nil
	}
	return values[0], nil
}

func memoryPercentWithContext(ctx context.Context) (float64, error) {
	info, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.UsedPercent, nil
}
