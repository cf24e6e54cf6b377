package domain

import "context"

// MetadataProvider supplies descriptive side-channel text about a device,
// obtained from an external tool rather than from the device node itself.
// Implementation: libinput list-devices behind a TTL cache.
type MetadataProvider interface {
	// DeviceBlock returns the block of listing output describing the
	// device at path, or false if no metadata is available. Never fails:
	// an unavailable tool, a failing invocation, or cancellation all
	// report absence.
	DeviceBlock(ctx context.Context, devicePath string) (string, bool)
}

// SegmentSink receives a summary of every finalized capture segment.
// Implementation: sqlite segment catalog. Sink failures must never block
// or abort capture; callers log and continue.
type SegmentSink interface {
	RecordSegment(info SegmentInfo) error
}
