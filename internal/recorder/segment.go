// Package recorder implements the per-device capture loop and the
// segment file lifecycle.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/lostmsu/evdev-rec/internal/domain"
)

// maxCreateAttempts bounds the exclusive-create retry loop. Exhausting
// it means the naming scheme itself is broken and the recorder treats it
// as a fatal internal error.
const maxCreateAttempts = 5

// SuffixGenerator produces the deterministic collision-breaking suffixes
// appended to segment file names when the exclusive create races:
// process id plus a monotonically increasing counter. One generator is
// shared by all recorders in a session.
type SuffixGenerator struct {
	pid     int
	counter atomic.Int64
}

// NewSuffixGenerator creates a generator keyed to the current process.
func NewSuffixGenerator() *SuffixGenerator {
	return &SuffixGenerator{pid: os.Getpid()}
}

// Next returns the next disambiguating suffix.
func (g *SuffixGenerator) Next() string {
	return strconv.Itoa(g.pid) + "-" + strconv.FormatInt(g.counter.Add(1), 10)
}

// sidecar is the metadata document written next to each segment's data
// file at segment-open time.
type sidecar struct {
	StartTime  time.Time             `json:"startTime"`
	DevicePath string                `json:"devicePath"`
	Identity   domain.DeviceIdentity `json:"identity"`
	Libinput   libinputBlock         `json:"libinput"`
	Host       *domain.HostInfo      `json:"host,omitempty"`
}

// libinputBlock reports either the verbatim side-channel text block for
// the device or why it is unavailable.
type libinputBlock struct {
	Available   bool   `json:"available"`
	DeviceBlock string `json:"deviceBlock,omitempty"`
	Warning     string `json:"warning,omitempty"`
}

// segment is one open rotation-bounded slice of a device's capture.
type segment struct {
	file   *os.File
	zw     *zstd.Encoder
	path   string
	start  time.Time
	bytes  int64
	events int64
}

// openSegment creates the sidecar and data file pair for a segment
// starting at start. The sidecar is written before the data file is
// opened so metadata exists even if the data file creation races or
// fails; sidecar write failures are logged and tolerated. The data file
// is created with exclusive semantics, retrying with a disambiguating
// suffix on collision.
func openSegment(
	dir string,
	start time.Time,
	index int,
	level int,
	meta sidecar,
	suffixes *SuffixGenerator,
	logger *zap.Logger,
) (*segment, error) {
	stem := start.UTC().Format(domain.StampFormat) + "-input" + strconv.Itoa(index)

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		name := stem
		if attempt > 0 {
			name = stem + "-" + suffixes.Next()
		}

		writeSidecar(filepath.Join(dir, name+".meta.json"), meta, logger)

		dataPath := filepath.Join(dir, name+".zst")
		file, err := os.OpenFile(dataPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			logger.Debug("segment data file already exists, retrying with suffix",
				zap.String("path", dataPath))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create segment data file: %w", err)
		}

		zw, err := zstd.NewWriter(file,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			file.Close()
			os.Remove(dataPath)
			return nil, fmt.Errorf("create segment compressor: %w", err)
		}

		return &segment{file: file, zw: zw, path: dataPath, start: start}, nil
	}

	return nil, fmt.Errorf("segment name collisions exhausted %d attempts for stem %s",
		maxCreateAttempts, stem)
}

// write appends one batch of raw event bytes to the compressed stream.
func (s *segment) write(batch []byte, events int) error {
	if _, err := s.zw.Write(batch); err != nil {
		return err
	}
	s.bytes += int64(len(batch))
	s.events += int64(events)
	return nil
}

// close finalizes the compression stream and the data file, and returns
// the segment summary.
func (s *segment) close(devicePath string, index int) (domain.SegmentInfo, error) {
	info := domain.SegmentInfo{
		DevicePath:  devicePath,
		DeviceIndex: index,
		Path:        s.path,
		StartTime:   s.start,
		EndTime:     time.Now().UTC(),
		Bytes:       s.bytes,
		Events:      s.events,
	}
	if err := s.zw.Close(); err != nil {
		s.file.Close()
		return info, fmt.Errorf("finalize segment compression: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return info, fmt.Errorf("close segment data file: %w", err)
	}
	return info, nil
}

// writeSidecar writes the metadata document exclusively. Failure is
// non-fatal: capture proceeds into the data file regardless.
func writeSidecar(path string, meta sidecar, logger *zap.Logger) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		logger.Warn("cannot create segment metadata sidecar",
			zap.String("path", path), zap.Error(err))
		return
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		logger.Warn("cannot write segment metadata sidecar",
			zap.String("path", path), zap.Error(err))
	}
}
