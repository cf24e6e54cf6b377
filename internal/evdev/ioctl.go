package evdev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Evdev ioctl constants derived from the upstream Linux kernel UAPI
// header (include/uapi/linux/input.h). Stable ABI.
//
// An ioctl request number packs four fields:
//
//	direction(2 bits) << 30 | size(14 bits) << 16 | type(8 bits) << 8 | nr(8 bits)
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocSizeShift = 16
	iocDirShift  = 30

	// evdevIoctlType is the evdev ioctl type character ('E').
	evdevIoctlType = 'E'

	// stringQuerySize is the buffer size used for the name, physical
	// path, and unique id queries. Matches the source's 256-byte cap.
	stringQuerySize = 256
)

func ioc(dir, nr, size uint32) uint32 {
	return dir<<iocDirShift | size<<iocSizeShift | evdevIoctlType<<8 | nr
}

// Read-only queries.
func eviocgVersion() uint32         { return ioc(iocRead, 0x01, 4) }
func eviocgID() uint32              { return ioc(iocRead, 0x02, 8) }
func eviocgName(size uint32) uint32 { return ioc(iocRead, 0x06, size) }
func eviocgPhys(size uint32) uint32 { return ioc(iocRead, 0x07, size) }
func eviocgUniq(size uint32) uint32 { return ioc(iocRead, 0x08, size) }

// eviocsClockID selects which clock the kernel stamps events with.
func eviocsClockID() uint32 { return ioc(iocWrite, 0xa0, 4) }

// ioctlPointer issues a single ioctl with a pointer argument. Returns
// the request's result value (string queries report the copied length).
func ioctlPointer(fd int, request uint32, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(request), uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
