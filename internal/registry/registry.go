// Package registry discovers input device nodes and keeps exactly one
// live recorder per device path, driven by filesystem notifications with
// a periodic rescan as a consistency backstop.
package registry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/lostmsu/evdev-rec/internal/evdev"
)

// Recorder is the registry's view of a started device recorder.
type Recorder interface {
	// Stop cancels capture and waits for it to fully finish.
	Stop()
}

// StartFunc starts capturing one device path. The wiring layer provides
// it so every started recorder arrives with its listeners (clock sync,
// segment sink) already attached.
type StartFunc func(ctx context.Context, path string) (Recorder, error)

// Config tunes the reconciler; zero values take the defaults.
type Config struct {
	DeviceDir            string        // directory containing device nodes
	RescanInterval       time.Duration // backstop full-rescan period (default 5s)
	PermissionRetryDelay time.Duration // delay between permission-denied retries (default 300ms)
}

func (c *Config) applyDefaults() {
	if c.RescanInterval <= 0 {
		c.RescanInterval = 5 * time.Second
	}
	if c.PermissionRetryDelay <= 0 {
		c.PermissionRetryDelay = 300 * time.Millisecond
	}
}

// slot reserves a device path in the registry. rec is nil while the
// start attempt (possibly a permission-retry loop) is still in flight.
type slot struct {
	rec Recorder
}

// Registry maintains the path-to-recorder mapping. The map is the only
// structure mutated concurrently from notifications, rescans, and
// shutdown; insert-if-absent under the mutex guarantees at most one live
// recorder per path.
type Registry struct {
	cfg    Config
	start  StartFunc
	logger *zap.Logger

	mu           sync.Mutex
	recorders    map[string]*slot
	shuttingDown bool

	starts sync.WaitGroup
}

// New creates a registry. Recorders are started through start.
func New(cfg Config, start StartFunc, logger *zap.Logger) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:       cfg,
		start:     start,
		logger:    logger,
		recorders: make(map[string]*slot),
	}
}

// Run performs the initial device scan, then reconciles until ctx is
// cancelled: reacting to filesystem notifications, rescanning on a
// timer, and forcing a rescan when the notification source itself fails.
// On cancellation every tracked recorder is disposed before Run returns.
func (r *Registry) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("device watcher unavailable, relying on rescans only", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(r.cfg.DeviceDir); err != nil {
			r.logger.Warn("cannot watch device directory, relying on rescans only",
				zap.String("dir", r.cfg.DeviceDir), zap.Error(err))
			watcher.Close()
			watcher = nil
		}
	}

	r.initialScan(ctx)

	ticker := time.NewTicker(r.cfg.RescanInterval)
	defer ticker.Stop()

	events, errors := watcherChannels(watcher)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.handleNotification(ctx, event)

		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			// Notification loss is possible here; reconcile now rather
			// than waiting for the next timer tick.
			r.logger.Warn("device watcher error, forcing rescan", zap.Error(err))
			r.rescan(ctx)

		case <-ticker.C:
			r.rescan(ctx)
		}
	}
}

func watcherChannels(w *fsnotify.Watcher) (<-chan fsnotify.Event, <-chan error) {
	if w == nil {
		return nil, nil
	}
	return w.Events, w.Errors
}

// TrackedPaths returns the currently tracked device paths, sorted.
func (r *Registry) TrackedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.recorders))
	for path := range r.recorders {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// initialScan enumerates existing nodes once, in a stable order for
// deterministic logging.
func (r *Registry) initialScan(ctx context.Context) {
	paths, err := r.enumerate()
	if err != nil {
		r.logger.Warn("initial device scan failed",
			zap.String("dir", r.cfg.DeviceDir), zap.Error(err))
		return
	}
	r.logger.Info("initial device scan",
		zap.String("dir", r.cfg.DeviceDir), zap.Int("devices", len(paths)))
	for _, path := range paths {
		r.tryStart(ctx, path)
	}
}

func (r *Registry) enumerate() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.DeviceDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, entry := range entries {
		if evdev.IsDeviceNode(entry.Name()) {
			paths = append(paths, filepath.Join(r.cfg.DeviceDir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// handleNotification reacts to one filesystem change. Node creation
// (including moves into the directory) attempts a start; removal and
// rename-away stop the recorder if present.
func (r *Registry) handleNotification(ctx context.Context, event fsnotify.Event) {
	if !evdev.IsDeviceNode(filepath.Base(event.Name)) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create):
		r.tryStart(ctx, event.Name)
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		r.stopPath(event.Name)
	}
}

// rescan reconciles the registry against the directory contents in both
// directions, catching missed or coalesced notifications.
func (r *Registry) rescan(ctx context.Context) {
	live, err := r.enumerate()
	if err != nil {
		r.logger.Warn("device rescan failed",
			zap.String("dir", r.cfg.DeviceDir), zap.Error(err))
		return
	}

	liveSet := make(map[string]bool, len(live))
	for _, path := range live {
		liveSet[path] = true
		r.tryStart(ctx, path)
	}

	for _, path := range r.TrackedPaths() {
		if !liveSet[path] {
			r.logger.Info("device node gone, stopping recorder", zap.String("device", path))
			r.stopPath(path)
		}
	}
}

// tryStart reserves the path and launches the start attempt. Idempotent:
// a path that is already tracked (or mid-start) is a no-op.
func (r *Registry) tryStart(ctx context.Context, path string) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return
	}
	if _, exists := r.recorders[path]; exists {
		r.mu.Unlock()
		return
	}
	reservation := &slot{}
	r.recorders[path] = reservation
	r.mu.Unlock()

	r.starts.Add(1)
	go func() {
		defer r.starts.Done()
		r.runStart(ctx, path, reservation)
	}()
}

// runStart attempts to start a recorder, retrying indefinitely on
// permission-denied (node permissions are often applied by external
// tooling shortly after creation). Warns once, then drops to debug to
// avoid flooding the log.
func (r *Registry) runStart(ctx context.Context, path string, reservation *slot) {
	warned := false
	for {
		rec, err := r.start(ctx, path)
		if err == nil {
			r.mu.Lock()
			current, stillOurs := r.recorders[path]
			if !stillOurs || current != reservation || r.shuttingDown {
				// The path was removed (or shutdown began) while the
				// start was in flight; discard the fresh recorder.
				if stillOurs && current == reservation {
					delete(r.recorders, path)
				}
				r.mu.Unlock()
				rec.Stop()
				return
			}
			reservation.rec = rec
			r.mu.Unlock()
			r.logger.Info("recorder started", zap.String("device", path))
			return
		}

		if errors.Is(err, fs.ErrPermission) {
			if !warned {
				r.logger.Warn("device not yet readable, retrying",
					zap.String("device", path), zap.Error(err))
				warned = true
			} else {
				r.logger.Debug("device still not readable",
					zap.String("device", path), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				r.release(path, reservation)
				return
			case <-time.After(r.cfg.PermissionRetryDelay):
				continue
			}
		}

		// Any other failure leaves the path unmanaged; a future rescan
		// retries it implicitly.
		r.logger.Warn("failed to start recorder",
			zap.String("device", path), zap.Error(err))
		r.release(path, reservation)
		return
	}
}

// release drops a reservation that never produced a recorder.
func (r *Registry) release(path string, reservation *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.recorders[path]; ok && current == reservation {
		delete(r.recorders, path)
	}
}

// stopPath removes and disposes the recorder for path, if any. A path
// still mid-start is unreserved; the start goroutine notices and
// discards its result.
func (r *Registry) stopPath(path string) {
	r.mu.Lock()
	var rec Recorder
	if reservation, ok := r.recorders[path]; ok {
		rec = reservation.rec
		delete(r.recorders, path)
	}
	r.mu.Unlock()
	if rec != nil {
		rec.Stop()
		r.logger.Info("recorder stopped", zap.String("device", path))
	}
}

// shutdown stops accepting new starts, disposes every tracked recorder
// concurrently, and waits for all of them.
func (r *Registry) shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	recs := make([]Recorder, 0, len(r.recorders))
	for _, reservation := range r.recorders {
		if reservation.rec != nil {
			recs = append(recs, reservation.rec)
		}
		// Starts still in flight observe the cancelled context (or the
		// emptied map) and discard their result.
	}
	r.recorders = make(map[string]*slot)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec Recorder) {
			defer wg.Done()
			rec.Stop()
		}(rec)
	}
	wg.Wait()
	r.starts.Wait()
	r.logger.Info("registry shut down")
}
