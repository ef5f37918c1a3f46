// Package scheduler runs the background tasks of tunecast: the optional
// elapsed time clock and the daily log cleanup.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunecast-project/tunecast/internal/config"
	"github.com/tunecast-project/tunecast/internal/events"
)

// LogFilePattern matches the files written by util.InitLogger.
const LogFilePattern = "tunecast_*.log"

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		eventBus: eventBus,
	}
}

// Start runs all scheduled tasks and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	clockCfg := s.cfg.GetClock()
	if clockCfg.Enabled {
		clock := NewElapsedClock(s.eventBus, time.Duration(clockCfg.IntervalSec)*time.Second)
		go clock.Run(ctx)
	}

	go s.runLogCleanerLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runLogCleanerLoop prunes old log files once at startup and then daily.
func (s *Scheduler) runLogCleanerLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		logging := s.cfg.GetLogging()
		deleted, freed, err := CleanLogs(logging.Directory, logging.MaxBackups)
		if err != nil {
			log.Warn().Err(err).Msg("log cleaner encountered errors")
		} else if deleted > 0 {
			log.Info().
				Int("deleted_files", deleted).
				Str("freed_space", formatBytes(freed)).
				Msg("log cleaner completed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CleanLogs keeps the newest keep log files in dir and deletes the rest.
// A keep below 1 disables cleanup.
func CleanLogs(dir string, keep int) (int, int64, error) {
	if keep < 1 {
		return 0, 0, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, LogFilePattern))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list log files: %w", err)
	}

	type logFile struct {
		path string
		info os.FileInfo
	}
	files := make([]logFile, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, logFile{path: path, info: info})
	}
	if len(files) <= keep {
		return 0, 0, nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].info.ModTime().After(files[j].info.ModTime())
	})

	var (
		deletedCount int
		deletedSize  int64
	)
	for _, f := range files[keep:] {
		if err := os.Remove(f.path); err != nil {
			log.Debug().Err(err).Str("file", f.path).Msg("failed to delete log file")
			continue
		}
		deletedCount++
		deletedSize += f.info.Size()
		log.Debug().Str("file", f.info.Name()).Msg("deleted old log file")
	}

	return deletedCount, deletedSize, nil
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
