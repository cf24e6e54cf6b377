// Package config holds the capture daemon's settings object.
package config

import (
	"time"

	"github.com/lostmsu/evdev-rec/internal/domain"
)

// Settings configures one capture session. Populated by the CLI layer;
// the core consumes it as plain data.
type Settings struct {
	OutputDir        string        // directory segment and sync files are written to (required)
	SessionStamp     string        // UTC stamp identifying this session, chosen once at process start
	DeviceDir        string        // directory containing input device nodes
	SegmentDuration  time.Duration // how long one segment spans before rotation
	CompressionLevel int           // zstd compression level for segment data
}

// Default returns the default settings. OutputDir is left empty; it has
// no sensible default and must be supplied by the caller.
func Default() Settings {
	return Settings{
		SessionStamp:     time.Now().UTC().Format(domain.StampFormat),
		DeviceDir:        "/dev/input",
		SegmentDuration:  15 * time.Minute,
		CompressionLevel: 1, // fastest; raw event streams compress well regardless
	}
}
