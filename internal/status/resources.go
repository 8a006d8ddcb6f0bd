package status

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/alisitki/quantlab/logger"
)

// hostSample is one reading of host load and of the disk holding the
// collector's data directory.
type hostSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskPath    string    `json:"disk_path"`
	DiskFree    uint64    `json:"disk_free"`
	DiskPct     float64   `json:"disk_percent"`
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
	diskUsageFn   = disk.UsageWithContext
)

type hostSampler struct {
	samples  *ring[hostSample]
	interval time.Duration
	diskPath string
	log      *logger.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHostSampler(limit int, interval time.Duration, diskPath string) *hostSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{
		samples:  newRing[hostSample](limit),
		interval: interval,
		diskPath: diskPath,
		log:      logger.GetLogger().WithComponent("host_sampler"),
	}
}

func (s *hostSampler) start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ctx.Err() == nil {
			// cpu.Percent blocks for the interval, which paces the loop.
			if sample, err := s.sample(ctx); err != nil {
				if ctx.Err() == nil {
					s.log.WithError(err).Debug("host sample failed")
					sleepCtx(ctx, s.interval)
				}
			} else {
				s.samples.push(sample)
			}
		}
	}()
}

func (s *hostSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *hostSampler) sample(ctx context.Context) (hostSample, error) {
	cpuPct, err := cpuPercentFn(ctx, s.interval)
	if err != nil {
		return hostSample{}, err
	}
	vm, err := memoryStatsFn(ctx)
	if err != nil {
		return hostSample{}, err
	}
	du, err := diskUsageFn(ctx, s.diskPath)
	if err != nil {
		return hostSample{}, err
	}

	out := hostSample{
		Timestamp:   time.Now(),
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		MemoryPct:   vm.UsedPercent,
		DiskPath:    s.diskPath,
		DiskFree:    du.Free,
		DiskPct:     du.UsedPercent,
	}
	if len(cpuPct) > 0 {
		out.CPUPercent = cpuPct[0]
	}
	return out, nil
}

func (s *hostSampler) snapshot() []hostSample { return s.samples.snapshot() }

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
