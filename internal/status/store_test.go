package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

func TestRingKeepsNewest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	got := r.snapshot()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("unexpected ring contents: %v", got)
	}

	got[0] = 99
	if r.snapshot()[0] != 3 {
		t.Fatal("snapshot must be a copy")
	}
}

func TestLogStoreStopsAfterClose(t *testing.T) {
	ls := newLogStore(10)
	entry := logrus.NewEntry(logrus.New()).WithField("component", "writer")
	entry.Level = logrus.ErrorLevel
	entry.Message = "upload failed"

	if err := ls.Fire(entry); err != nil {
		t.Fatalf("fire: %v", err)
	}
	ls.close()
	_ = ls.Fire(entry)

	got := ls.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	if got[0].Component != "writer" || got[0].Fields != nil {
		t.Fatalf("component should be lifted out of fields: %+v", got[0])
	}
}

func stubHost(t *testing.T, cpuErr error) {
	t.Helper()
	origCPU, origMem, origDisk := cpuPercentFn, memoryStatsFn, diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, diskUsageFn = origCPU, origMem, origDisk
	})

	cpuPercentFn = func(ctx context.Context, _ time.Duration) ([]float64, error) {
		if cpuErr != nil {
			return nil, cpuErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		return []float64{12.5}, nil
	}
	memoryStatsFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1000, Used: 250, UsedPercent: 25}, nil
	}
	diskUsageFn = func(_ context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Free: 4096, UsedPercent: 60}, nil
	}
}

func TestHostSamplerSample(t *testing.T) {
	stubHost(t, nil)
	s := newHostSampler(5, time.Millisecond, "/data")

	got, err := s.sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if got.CPUPercent != 12.5 || got.MemoryPct != 25 || got.DiskFree != 4096 || got.DiskPath != "/data" {
		t.Fatalf("unexpected sample: %+v", got)
	}
}

func TestHostSamplerCollectsUntilStopped(t *testing.T) {
	stubHost(t, nil)
	s := newHostSampler(3, time.Millisecond, "")

	s.start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for len(s.snapshot()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.stop()

	got := s.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(got))
	}
	if got[0].DiskPath != "/" {
		t.Fatalf("expected root disk by default, got %q", got[0].DiskPath)
	}
}

func TestHostSamplerKeepsNothingOnError(t *testing.T) {
	stubHost(t, errors.New("no cpu stats"))
	s := newHostSampler(3, time.Millisecond, "")

	s.start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.stop()

	if n := len(s.snapshot()); n != 0 {
		t.Fatalf("expected no samples, got %d", n)
	}
}
