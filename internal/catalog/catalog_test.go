package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lostmsu/evdev-rec/internal/domain"
)

// TestCatalog_RecordAndQuery verifies segments round-trip through sqlite
func TestCatalog_RecordAndQuery(t *testing.T) {
	cat, err := Open(filepath.Join(t.TempDir(), "session-catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	start := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)
	first := domain.SegmentInfo{
		DevicePath:  "/dev/input/event3",
		DeviceIndex: 3,
		Path:        "/captures/20260828-103000-input3.zst",
		StartTime:   start,
		EndTime:     start.Add(15 * time.Minute),
		Bytes:       4800,
		Events:      200,
	}
	second := first
	second.StartTime = start.Add(15 * time.Minute)
	second.EndTime = start.Add(30 * time.Minute)
	second.Path = "/captures/20260828-104500-input3.zst"

	require.NoError(t, cat.RecordSegment(first))
	require.NoError(t, cat.RecordSegment(second))

	segments, err := cat.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, first, segments[0])
	assert.Equal(t, second, segments[1])
}

// TestCatalog_Empty verifies a fresh catalog has no segments
func TestCatalog_Empty(t *testing.T) {
	cat, err := Open(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer cat.Close()

	segments, err := cat.Segments()
	require.NoError(t, err)
	assert.Empty(t, segments)
}
