// Package evdev provides low-level access to Linux input device nodes:
// non-blocking raw event reads, the fixed-width event codec, and the
// identity control queries.
package evdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// EventSize is the fixed byte width of one raw input event on a 64-bit
// kernel: 16 bytes of timeval (seconds + microseconds, both int64),
// 16-bit type, 16-bit code, 32-bit value.
const EventSize = 24

// ErrTruncatedBatch reports a read whose length is not a whole multiple
// of EventSize. The stream is desynchronized at that point; there is no
// way to recover framing.
var ErrTruncatedBatch = errors.New("event batch length is not a multiple of the event size")

// Event is one raw input event as delivered by the kernel. The semantic
// meaning of Type/Code/Value is not interpreted here; only the timestamp
// is extracted for clock correlation.
type Event struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// Timestamp returns the event's device-reported time as a duration since
// the device clock's epoch.
func (e Event) Timestamp() time.Duration {
	return time.Duration(e.Sec)*time.Second + time.Duration(e.Usec)*time.Microsecond
}

// TimestampMicros returns the event's device-reported time in microseconds.
func (e Event) TimestampMicros() int64 {
	return e.Sec*1_000_000 + e.Usec
}

// ParseBatch decodes a buffer of raw event bytes into events, preserving
// arrival order. The buffer length must be a whole multiple of EventSize;
// anything else wraps ErrTruncatedBatch.
func ParseBatch(buf []byte) ([]Event, error) {
	if len(buf)%EventSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedBatch, len(buf))
	}
	events := make([]Event, 0, len(buf)/EventSize)
	for off := 0; off < len(buf); off += EventSize {
		events = append(events, decodeEvent(buf[off:off+EventSize]))
	}
	return events, nil
}

// AppendEvent appends the wire encoding of e to dst. The inverse of
// decoding: concatenating the encodings of a parsed batch reproduces the
// original bytes.
func AppendEvent(dst []byte, e Event) []byte {
	dst = binary.NativeEndian.AppendUint64(dst, uint64(e.Sec))
	dst = binary.NativeEndian.AppendUint64(dst, uint64(e.Usec))
	dst = binary.NativeEndian.AppendUint16(dst, e.Type)
	dst = binary.NativeEndian.AppendUint16(dst, e.Code)
	dst = binary.NativeEndian.AppendUint32(dst, uint32(e.Value))
	return dst
}

func decodeEvent(b []byte) Event {
	return Event{
		Sec:   int64(binary.NativeEndian.Uint64(b[0:8])),
		Usec:  int64(binary.NativeEndian.Uint64(b[8:16])),
		Type:  binary.NativeEndian.Uint16(b[16:18]),
		Code:  binary.NativeEndian.Uint16(b[18:20]),
		Value: int32(binary.NativeEndian.Uint32(b[20:24])),
	}
}
