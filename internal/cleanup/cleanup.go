// Package cleanup runs the periodic maintenance job: checkpoint pruning,
// idle session reaping, stale limiter eviction and orphaned file removal.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/crewflow/internal/checkpoint"
	"github.com/HyphaGroup/crewflow/internal/logger"
	"github.com/HyphaGroup/crewflow/internal/metrics"
)

// Reaper evicts idle sessions. *session.Manager implements it.
type Reaper interface {
	Reap(now time.Time) int
}

// LimiterPruner drops unused rate limiters. *auth.RateLimiter implements it.
type LimiterPruner interface {
	Cleanup(maxAge time.Duration) int
}

// HistoryPruner drops old schedule executions. *schedule.Store implements it.
type HistoryPruner interface {
	PruneExecutions(before time.Time) (int, error)
}

// Config holds cleanup configuration.
type Config struct {
	// Schedule is a standard cron expression or descriptor ("@every 1h").
	Schedule            string
	CheckpointRetention time.Duration
	KeepPerThread       int
	// DataDir is scanned for orphaned .tmp files and checked for disk usage.
	DataDir          string
	DiskWarnPercent  float64
	DiskErrorPercent float64

	Checkpoints checkpoint.Saver
	Sessions    Reaper
	Limiters    LimiterPruner
	// Executions are pruned with CheckpointRetention.
	Executions HistoryPruner
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		Schedule:            "@every 1h",
		CheckpointRetention: 7 * 24 * time.Hour,
		KeepPerThread:       5,
		DataDir:             dataDir,
		DiskWarnPercent:     80.0,
		DiskErrorPercent:    90.0,
	}
}

// Report summarises one maintenance pass.
type Report struct {
	CheckpointsPruned int
	SessionsReaped    int
	LimitersDropped   int
	ExecutionsPruned  int
	TmpFilesRemoved   int
}

// Cleaner performs scheduled maintenance.
type Cleaner struct {
	cfg  Config
	cron *cron.Cron
	now  func() time.Time

	mu      sync.Mutex
	running bool
}

// New validates the schedule and creates a Cleaner.
func New(cfg Config) (*Cleaner, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig("").Schedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.DiskWarnPercent == 0 {
		cfg.DiskWarnPercent = 80.0
	}
	if cfg.DiskErrorPercent == 0 {
		cfg.DiskErrorPercent = 90.0
	}
	return &Cleaner{cfg: cfg, now: time.Now}, nil
}

// Start schedules the maintenance job.
func (c *Cleaner) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		c.RunOnce(context.Background())
	}); err != nil {
		c.cron = nil
		return fmt.Errorf("scheduling cleanup: %w", err)
	}
	c.cron.Start()

	logger.Info("Cleanup scheduled (%s, checkpoint retention=%v, keep per thread=%d)",
		c.cfg.Schedule, c.cfg.CheckpointRetention, c.cfg.KeepPerThread)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	<-cr.Stop().Done()
	logger.Info("Cleanup stopped")
}

// RunOnce performs all maintenance tasks and reports what it removed.
func (c *Cleaner) RunOnce(ctx context.Context) Report {
	var r Report
	now := c.now()

	r.CheckpointsPruned = c.pruneCheckpoints(ctx, now)
	if c.cfg.Sessions != nil {
		r.SessionsReaped = c.cfg.Sessions.Reap(now)
	}
	if c.cfg.Limiters != nil {
		r.LimitersDropped = c.cfg.Limiters.Cleanup(time.Hour)
	}
	if c.cfg.Executions != nil && c.cfg.CheckpointRetention > 0 {
		n, err := c.cfg.Executions.PruneExecutions(now.Add(-c.cfg.CheckpointRetention))
		if err != nil {
			logger.Error("Schedule history prune failed: %v", err)
		}
		r.ExecutionsPruned = n
	}
	if c.cfg.DataDir != "" {
		r.TmpFilesRemoved = c.cleanupTmpFiles(now)
		c.checkDiskUsage()
	}

	if r != (Report{}) {
		logger.Info("Cleanup pass: %d checkpoints pruned, %d sessions reaped, %d limiters dropped, %d executions pruned, %d tmp files removed",
			r.CheckpointsPruned, r.SessionsReaped, r.LimitersDropped, r.ExecutionsPruned, r.TmpFilesRemoved)
	}
	return r
}

func (c *Cleaner) pruneCheckpoints(ctx context.Context, now time.Time) int {
	if c.cfg.Checkpoints == nil || c.cfg.CheckpointRetention <= 0 {
		return 0
	}
	n, err := c.cfg.Checkpoints.Prune(ctx, now.Add(-c.cfg.CheckpointRetention), c.cfg.KeepPerThread)
	if err != nil {
		logger.Error("Checkpoint prune failed: %v", err)
		return n
	}
	metrics.RecordCheckpointsPruned(n)
	return n
}

// cleanupTmpFiles removes orphaned .tmp files left by interrupted atomic
// writes. Anything younger than an hour may still be in flight.
func (c *Cleaner) cleanupTmpFiles(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	var removed int

	err := filepath.Walk(c.cfg.DataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".tmp") && info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("Cleanup walk error: %v", err)
	}
	return removed
}

// checkDiskUsage monitors disk usage and logs warnings.
func (c *Cleaner) checkDiskUsage() {
	_, _, usedPercent, err := c.DiskUsage()
	if err != nil {
		return
	}
	if usedPercent >= c.cfg.DiskErrorPercent {
		logger.Error("CRITICAL: Disk usage at %.1f%% (data dir)", usedPercent)
	} else if usedPercent >= c.cfg.DiskWarnPercent {
		logger.Warn("Disk usage at %.1f%% (data dir)", usedPercent)
	}
}

// DiskUsage returns current disk usage stats for the data directory.
func (c *Cleaner) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(c.cfg.DataDir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
