package evdev

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// NodePrefix is the fixed name prefix of input device nodes ("event0",
// "event1", ...).
const NodePrefix = "event"

// ErrNotDeviceNode reports a path whose base name does not match the
// input device node naming pattern. Such paths are rejected before any
// I/O is attempted.
var ErrNotDeviceNode = errors.New("not an input event device node")

// DeviceIndex extracts the numeric ordinal suffix from a device node
// path ("/dev/input/event3" -> 3). Returns ErrNotDeviceNode for names
// that are not the fixed prefix followed by a non-negative integer.
func DeviceIndex(path string) (int, error) {
	name := filepath.Base(path)
	digits, ok := strings.CutPrefix(name, NodePrefix)
	if !ok || digits == "" {
		return 0, fmt.Errorf("%w: %q", ErrNotDeviceNode, path)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrNotDeviceNode, path)
		}
	}
	index, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotDeviceNode, path)
	}
	return index, nil
}

// IsDeviceNode reports whether name matches the device node naming
// pattern.
func IsDeviceNode(name string) bool {
	_, err := DeviceIndex(name)
	return err == nil
}
