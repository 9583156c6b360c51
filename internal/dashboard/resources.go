package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"kiteflow/logger"
)

// processSample is one reading of this process and the host it runs on.
type processSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	Goroutines    int       `json:"goroutines"`
	HostMemoryPct float64   `json:"host_memory_percent"`
}

type sampleFunc func(ctx context.Context) (processSample, error)

// processSampler polls sample every interval into a bounded history.
type processSampler struct {
	samples  *history[processSample]
	interval time.Duration
	sample   sampleFunc
	log      *logger.Log

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newProcessSampler(limit int, interval time.Duration, log *logger.Log) *processSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &processSampler{
		samples:  newHistory[processSample](limit),
		interval: interval,
		sample:   gopsutilSample(),
		log:      log,
	}
}

func gopsutilSample() sampleFunc {
	var proc *process.Process
	return func(ctx context.Context) (processSample, error) {
		if proc == nil {
			p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
			if err != nil {
				return processSample{}, err
			}
			proc = p
		}
		cpuPct, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			return processSample{}, err
		}
		memInfo, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return processSample{}, err
		}
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return processSample{}, err
		}
		return processSample{
			Timestamp:     time.Now(),
			CPUPercent:    cpuPct,
			RSSBytes:      memInfo.RSS,
			Goroutines:    runtime.NumGoroutine(),
			HostMemoryPct: vm.UsedPercent,
		}, nil
	}
}

func (s *processSampler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *processSampler) stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *processSampler) run(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		if smp, err := s.sample(ctx); err != nil {
			s.log.WithComponent("dashboard").WithError(err).Debug("process sample failed")
		} else {
			s.samples.add(smp)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
