package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"torrentcast/internal/domain"
	"torrentcast/internal/metrics"
)

// HandleController is the slice of the lifecycle manager disk pressure needs.
type HandleController interface {
	List(ctx context.Context) []domain.HandleInfo
	Pause(ctx context.Context, h domain.HandleID) error
	Resume(ctx context.Context, h domain.HandleID) error
}

// DiskPressure periodically samples free space on the download directory and
// pauses every downloading handle when it drops below MinFreeBytes. Handles it
// paused are resumed once free space exceeds ResumeBytes. A zero MinFreeBytes
// only reports the free space gauge.
type DiskPressure struct {
	Handles      HandleController
	Logger       *slog.Logger
	DataDir      string
	MinFreeBytes int64
	ResumeBytes  int64
	Interval     time.Duration
	// FreeBytes defaults to a gopsutil disk usage query.
	FreeBytes func(ctx context.Context, path string) (int64, error)
}

type pressureState struct {
	paused  bool
	stopped map[domain.HandleID]struct{}
}

// Run blocks until ctx is cancelled.
func (dp DiskPressure) Run(ctx context.Context) {
	dp = dp.withDefaults()
	st := &pressureState{stopped: make(map[domain.HandleID]struct{})}

	ticker := time.NewTicker(dp.Interval)
	defer ticker.Stop()

	for {
		dp.check(ctx, st)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (dp DiskPressure) withDefaults() DiskPressure {
	if dp.Interval <= 0 {
		dp.Interval = 30 * time.Second
	}
	if dp.ResumeBytes <= dp.MinFreeBytes {
		dp.ResumeBytes = dp.MinFreeBytes * 2
	}
	if dp.Logger == nil {
		dp.Logger = slog.Default()
	}
	if dp.FreeBytes == nil {
		dp.FreeBytes = diskFreeBytes
	}
	return dp
}

func (dp DiskPressure) check(ctx context.Context, st *pressureState) {
	free, err := dp.FreeBytes(ctx, dp.DataDir)
	if err != nil {
		dp.Logger.Warn("disk_pressure: failed to check disk space",
			slog.String("path", dp.DataDir),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.DataDirFreeBytes.Set(float64(free))
	if dp.MinFreeBytes <= 0 || dp.Handles == nil {
		return
	}

	if !st.paused && free < dp.MinFreeBytes {
		dp.Logger.Warn("disk_pressure: low disk space, pausing downloads",
			slog.Int64("freeBytes", free),
			slog.Int64("thresholdBytes", dp.MinFreeBytes),
		)
		dp.pauseActive(ctx, st.stopped)
		st.paused = true
	} else if st.paused && free >= dp.ResumeBytes {
		dp.Logger.Info("disk_pressure: disk space recovered, resuming downloads",
			slog.Int64("freeBytes", free),
			slog.Int64("resumeBytes", dp.ResumeBytes),
		)
		dp.resumePaused(ctx, st.stopped)
		st.paused = false
	}
}

func (dp DiskPressure) pauseActive(ctx context.Context, stopped map[domain.HandleID]struct{}) {
	for _, info := range dp.Handles.List(ctx) {
		if info.SessionID == "" || info.Paused {
			continue
		}
		if err := dp.Handles.Pause(ctx, info.Handle); err != nil {
			dp.Logger.Warn("disk_pressure: pause failed",
				slog.Int64("handle", int64(info.Handle)),
				slog.String("error", err.Error()),
			)
			continue
		}
		stopped[info.Handle] = struct{}{}
	}
}

func (dp DiskPressure) resumePaused(ctx context.Context, stopped map[domain.HandleID]struct{}) {
	for h := range stopped {
		if err := dp.Handles.Resume(ctx, h); err != nil {
			dp.Logger.Warn("disk_pressure: resume failed",
				slog.Int64("handle", int64(h)),
				slog.String("error", err.Error()),
			)
		}
		delete(stopped, h)
	}
}

func diskFreeBytes(ctx context.Context, path string) (int64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free), nil
}
