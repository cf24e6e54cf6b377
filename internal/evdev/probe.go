package evdev

import (
	"encoding/binary"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/lostmsu/evdev-rec/internal/domain"
)

// ProbeIdentity fetches the static identity fields of an open device
// descriptor. Every control query is independent: a failing query leaves
// its field empty and the rest of the probe proceeds. The probe itself
// never fails; a closed or invalid descriptor simply yields an empty
// identity.
func ProbeIdentity(fd int, logger *zap.Logger) domain.DeviceIdentity {
	var identity domain.DeviceIdentity

	var version int32
	if _, err := ioctlPointer(fd, eviocgVersion(), unsafe.Pointer(&version)); err != nil {
		logger.Debug("driver version query failed", zap.Error(err))
	} else {
		identity.DriverVersion = &version
	}

	identity.Name = stringQuery(fd, eviocgName(stringQuerySize), "name", logger)
	identity.PhysicalPath = stringQuery(fd, eviocgPhys(stringQuerySize), "physical path", logger)
	identity.UniqueID = stringQuery(fd, eviocgUniq(stringQuerySize), "unique id", logger)

	// EVIOCGID fills four little-endian 16-bit fields: bus type,
	// vendor, product, version.
	var raw [8]byte
	if _, err := ioctlPointer(fd, eviocgID(), unsafe.Pointer(&raw[0])); err != nil {
		logger.Debug("bus identity query failed", zap.Error(err))
	} else {
		identity.Bus = &domain.BusIdentity{
			BusType: binary.LittleEndian.Uint16(raw[0:2]),
			Vendor:  binary.LittleEndian.Uint16(raw[2:4]),
			Product: binary.LittleEndian.Uint16(raw[4:6]),
			Version: binary.LittleEndian.Uint16(raw[6:8]),
		}
	}

	return identity
}

// SetMonotonicClock asks the kernel to stamp this device's events with
// the monotonic clock instead of the default realtime clock, so device
// timestamps survive wall-clock jumps. Best-effort: callers tolerate
// failure (older kernels reject the request).
func SetMonotonicClock(fd int) error {
	clock := int32(unix.CLOCK_MONOTONIC)
	_, err := ioctlPointer(fd, eviocsClockID(), unsafe.Pointer(&clock))
	return err
}

// stringQuery runs one NUL-terminated string control query. Returns the
// decoded string up to the terminator, or the full buffer if none, or
// empty on failure.
func stringQuery(fd int, request uint32, field string, logger *zap.Logger) string {
	var buf [stringQuerySize]byte
	n, err := ioctlPointer(fd, request, unsafe.Pointer(&buf[0]))
	if err != nil {
		logger.Debug("identity query failed", zap.String("field", field), zap.Error(err))
		return ""
	}
	if n < 0 || n > len(buf) {
		n = len(buf)
	}
	return nullTerminated(buf[:n])
}

// nullTerminated cuts a byte slice at its first NUL, or returns the
// whole slice if there is none.
func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
