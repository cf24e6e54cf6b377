package recorder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lostmsu/evdev-rec/internal/config"
	"github.com/lostmsu/evdev-rec/internal/domain"
	"github.com/lostmsu/evdev-rec/internal/evdev"
)

// readBufferSize is the per-read buffer. The kernel delivers whole
// events into any buffer at least one event wide; 4 KiB holds 170 of
// them.
const readBufferSize = 4096

// Source is the byte stream a recorder captures. Implemented by
// *evdev.Channel; mocked in tests.
type Source interface {
	// ReadSome returns the next batch of raw event bytes, or 0 when the
	// stream ends or ctx is cancelled.
	ReadSome(ctx context.Context, buf []byte) int
	Close() error
}

// Listener receives every decoded event batch, in arrival order.
// Listeners are best-effort: a panicking listener is logged and capture
// continues.
type Listener func(devicePath string, events []evdev.Event)

// Deps are the recorder's collaborators. Listeners must be registered
// here, at construction time; there is no attach-after-start.
type Deps struct {
	Metadata  domain.MetadataProvider
	Sink      domain.SegmentSink
	Host      *domain.HostInfo
	Listeners []Listener
	Suffixes  *SuffixGenerator
}

// Recorder owns one device's capture: the raw channel, the segment
// lifecycle, and the listener fan-out.
type Recorder struct {
	settings config.Settings
	path     string
	index    int
	src      Source
	identity domain.DeviceIdentity
	deps     Deps
	logger   *zap.Logger

	// Resolved side-channel metadata. Written once by the fetch
	// goroutine before metaReady closes; segments opened earlier report
	// it as not yet available.
	metaBlock string
	metaOK    bool
	metaReady chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a recorder over an already-open source. The device path
// must match the node naming pattern (its index names the segment files).
func New(settings config.Settings, devicePath string, src Source, identity domain.DeviceIdentity, deps Deps, logger *zap.Logger) (*Recorder, error) {
	index, err := evdev.DeviceIndex(devicePath)
	if err != nil {
		return nil, err
	}
	if deps.Suffixes == nil {
		deps.Suffixes = NewSuffixGenerator()
	}
	return &Recorder{
		settings:  settings,
		path:      devicePath,
		index:     index,
		src:       src,
		identity:  identity,
		deps:      deps,
		logger:    logger.With(zap.String("device", devicePath)),
		metaReady: make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Open opens the device node, probes its identity, and starts capturing.
// A permission-denied or not-found failure is returned typed (errors.Is
// against os.ErrPermission / os.ErrNotExist) so the registry can apply
// its retry policy.
func Open(ctx context.Context, settings config.Settings, devicePath string, deps Deps, logger *zap.Logger) (*Recorder, error) {
	channel, err := evdev.Open(devicePath, logger)
	if err != nil {
		return nil, err
	}

	if err := evdev.SetMonotonicClock(channel.Fd()); err != nil {
		logger.Debug("cannot select monotonic event clock",
			zap.String("device", devicePath), zap.Error(err))
	}
	identity := evdev.ProbeIdentity(channel.Fd(), logger)

	recorder, err := New(settings, devicePath, channel, identity, deps, logger)
	if err != nil {
		channel.Close()
		return nil, err
	}
	recorder.Start(ctx)
	return recorder, nil
}

// Identity returns the device identity snapshot taken at open time.
func (r *Recorder) Identity() domain.DeviceIdentity { return r.identity }

// Path returns the device node path being captured.
func (r *Recorder) Path() string { return r.path }

// Start launches the capture loop and the one-shot metadata fetch. The
// fetch never blocks the transition into capturing: segments opened
// before it resolves report metadata as not yet available.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.resolveMetadata(ctx)
	go r.run(ctx)
}

// Stop cancels the capture loop and waits for it to finish, including
// finalizing any open segment and releasing the channel. Idempotent;
// every caller observes the fully-stopped state.
func (r *Recorder) Stop() {
	r.cancel()
	<-r.done
}

// Done reports loop completion, for callers that want to notice a
// recorder stopping on its own (device gone, framing violation).
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) resolveMetadata(ctx context.Context) {
	defer close(r.metaReady)
	if r.deps.Metadata == nil {
		return
	}
	r.metaBlock, r.metaOK = r.deps.Metadata.DeviceBlock(ctx, r.path)
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	defer r.src.Close()

	r.logger.Info("capture started",
		zap.String("name", r.identity.Name),
		zap.Duration("segment_duration", r.settings.SegmentDuration))

	var current *segment
	defer func() {
		if current != nil {
			r.closeSegment(current)
		}
	}()

	buf := make([]byte, readBufferSize)
	for {
		n := r.src.ReadSome(ctx, buf)
		if n == 0 {
			r.logger.Info("capture ended")
			return
		}

		events, err := evdev.ParseBatch(buf[:n])
		if err != nil {
			// The stream is desynchronized; fatal for this device only.
			r.logger.Error("event framing violation, aborting capture", zap.Error(err))
			return
		}

		r.notify(events)

		now := time.Now()
		if current == nil || now.Sub(current.start) >= r.settings.SegmentDuration {
			if current != nil {
				r.closeSegment(current)
				current = nil
			}
			next, err := r.openSegment(now)
			if err != nil {
				r.logger.Error("cannot open segment, aborting capture", zap.Error(err))
				return
			}
			current = next
		}

		if err := current.write(buf[:n], len(events)); err != nil {
			r.logger.Error("segment write failed, aborting capture",
				zap.String("segment", current.path), zap.Error(err))
			return
		}
	}
}

// notify fans a batch out to every listener. A panicking listener must
// not abort the capture loop.
func (r *Recorder) notify(events []evdev.Event) {
	for _, listener := range r.deps.Listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Warn("event listener panicked", zap.Any("panic", p))
				}
			}()
			listener(r.path, events)
		}()
	}
}

func (r *Recorder) openSegment(start time.Time) (*segment, error) {
	meta := sidecar{
		StartTime:  start.UTC(),
		DevicePath: r.path,
		Identity:   r.identity,
		Libinput:   r.libinputBlock(),
		Host:       r.deps.Host,
	}
	seg, err := openSegment(
		r.settings.OutputDir, start, r.index,
		r.settings.CompressionLevel, meta, r.deps.Suffixes, r.logger)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("segment opened", zap.String("path", seg.path))
	return seg, nil
}

// libinputBlock snapshots the current state of the one-shot metadata
// fetch without waiting for it. The same resolved text is reused for the
// recorder's whole lifetime.
func (r *Recorder) libinputBlock() libinputBlock {
	select {
	case <-r.metaReady:
		if !r.metaOK {
			return libinputBlock{
				Available: false,
				Warning:   "no libinput metadata is available for this device",
			}
		}
		return libinputBlock{Available: true, DeviceBlock: r.metaBlock}
	default:
		return libinputBlock{
			Available: false,
			Warning:   "libinput metadata was not resolved in time for this segment",
		}
	}
}

func (r *Recorder) closeSegment(seg *segment) {
	info, err := seg.close(r.path, r.index)
	if err != nil {
		r.logger.Warn("segment finalization failed",
			zap.String("segment", seg.path), zap.Error(err))
		return
	}
	r.logger.Info("segment closed",
		zap.String("path", info.Path),
		zap.Int64("bytes", info.Bytes),
		zap.Int64("events", info.Events))

	if r.deps.Sink != nil {
		if err := r.deps.Sink.RecordSegment(info); err != nil {
			r.logger.Warn("segment sink rejected record",
				zap.String("segment", info.Path), zap.Error(err))
		}
	}
}
