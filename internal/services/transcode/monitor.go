package transcode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"torrentcast/internal/metrics"
)

const defaultMonitorInterval = 5 * time.Second

// Monitor samples CPU and RSS of running transcoder processes into the
// transcode gauges.
type Monitor struct {
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	procs map[int32]*process.Process
}

func NewMonitor(interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		logger:   logger,
		procs:    make(map[int32]*process.Process),
	}
}

// Track adds pid to the sampled set. The returned func removes it.
func (m *Monitor) Track(pid int) func() {
	if pid <= 0 {
		return func() {}
	}
	key := int32(pid)
	proc, err := process.NewProcess(key)
	if err != nil {
		m.logger.Debug("transcoder process not trackable",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
		return func() {}
	}
	m.mu.Lock()
	m.procs[key] = proc
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.procs, key)
		m.mu.Unlock()
	}
}

// Tracked returns the number of processes being sampled.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cpu, rss := m.Sample(ctx)
			metrics.TranscodeCPUPercent.Set(cpu)
			metrics.TranscodeRSSBytes.Set(float64(rss))
		}
	}
}

// Sample sums CPU percent and resident memory over tracked processes.
// Processes that exited between Track and Sample are skipped.
func (m *Monitor) Sample(ctx context.Context) (float64, uint64) {
	m.mu.Lock()
	procs := make([]*process.Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	var (
		cpu float64
		rss uint64
	)
	for _, p := range procs {
		if pct, err := p.PercentWithContext(ctx, 0); err == nil {
			cpu += pct
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			rss += mem.RSS
		}
	}
	return cpu, rss
}
