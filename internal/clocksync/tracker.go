// Package clocksync maintains the drift-correlation log between
// device-reported event timestamps and wall-clock time.
package clocksync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// flushInterval is how often the tracker re-evaluates the drift
	// estimate.
	flushInterval = 15 * time.Second

	// driftThreshold is the minimum change in the drift estimate that
	// earns a new log record. Keeps the log sparse while still
	// capturing discontinuities (device reboot, clock jump, suspend).
	driftThreshold = 20 * time.Millisecond

	syncHeader = "event_ts_microsec\tunix_time_microsec\n"
)

// Config tunes the tracker; zero values take the defaults above.
type Config struct {
	FlushInterval  time.Duration
	DriftThreshold time.Duration
}

// Tracker retains the single most recent (device timestamp, wall clock)
// observation across all recorders and periodically appends a
// correlation record when the drift estimate moves materially.
//
// The sample fields are written independently and atomically; a reader
// pairing slightly stale values only affects how fresh one log line is,
// never the file format.
type Tracker struct {
	cfg    Config
	logger *zap.Logger
	file   *os.File
	path   string

	eventMicros atomic.Int64
	wallMicros  atomic.Int64
	haveSample  atomic.Bool

	// Loop-local write state.
	lastDrift   int64
	haveWritten bool
}

// NewTracker creates the session's sync log exclusively (one file per
// process session) and writes its header.
func NewTracker(outputDir, sessionStamp string, cfg Config, logger *zap.Logger) (*Tracker, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = flushInterval
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = driftThreshold
	}

	path := filepath.Join(outputDir, sessionStamp+"-evdev.sync")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create sync log: %w", err)
	}
	if _, err := file.WriteString(syncHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("write sync log header: %w", err)
	}

	return &Tracker{cfg: cfg, logger: logger, file: file, path: path}, nil
}

// Path returns the sync log location.
func (t *Tracker) Path() string { return t.path }

// Observe records the latest (device timestamp, wall clock) pair. Called
// concurrently by every recorder's batch listener; last write wins.
func (t *Tracker) Observe(eventTime time.Duration, wall time.Time) {
	t.eventMicros.Store(eventTime.Microseconds())
	t.wallMicros.Store(wall.UnixMicro())
	t.haveSample.Store(true)
}

// Run flushes drift records periodically until ctx is cancelled, then
// performs one final evaluation and closes the log.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.flush()
			if err := t.file.Close(); err != nil {
				t.logger.Warn("closing sync log failed", zap.Error(err))
			}
			t.logger.Info("sync tracker stopped", zap.String("path", t.path))
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

// flush appends one record if the drift estimate changed by more than
// the threshold since the last written record.
func (t *Tracker) flush() {
	if !t.haveSample.Load() {
		return
	}
	eventMicros := t.eventMicros.Load()
	wallMicros := t.wallMicros.Load()

	drift := wallMicros - eventMicros
	if t.haveWritten && abs(drift-t.lastDrift) <= t.cfg.DriftThreshold.Microseconds() {
		return
	}

	line := fmt.Sprintf("%d\t%d\n", eventMicros, eventMicros+drift)
	if _, err := t.file.WriteString(line); err != nil {
		t.logger.Warn("appending sync record failed", zap.Error(err))
		return
	}
	if err := t.file.Sync(); err != nil {
		t.logger.Warn("syncing drift log failed", zap.Error(err))
		return
	}

	t.lastDrift = drift
	t.haveWritten = true
	t.logger.Debug("drift record written",
		zap.Int64("event_micros", eventMicros),
		zap.Int64("drift_micros", drift))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
