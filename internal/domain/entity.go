// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// StampFormat is the UTC timestamp layout used for segment and session
// file names. Second resolution; collisions within one second are broken
// by the recorder's disambiguating suffix.
const StampFormat = "20060102-150405"

// BusIdentity is the 8-byte evdev identity quadruple (EVIOCGID), four
// little-endian 16-bit fields.
type BusIdentity struct {
	BusType uint16 `json:"busType"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Version uint16 `json:"version"`
}

// DeviceIdentity is an immutable snapshot of a device's static identity,
// fetched once per recorder lifetime at open time. Every field is
// independently optional: a failed control query leaves that field empty
// without invalidating the rest.
type DeviceIdentity struct {
	Name          string       `json:"name,omitempty"`
	PhysicalPath  string       `json:"physicalPath,omitempty"`
	UniqueID      string       `json:"uniqueId,omitempty"`
	DriverVersion *int32       `json:"driverVersion,omitempty"`
	Bus           *BusIdentity `json:"id,omitempty"`
}

// HostInfo describes the machine a capture session ran on. Embedded in
// segment metadata sidecars so captures can be correlated with kernel
// and platform versions after the fact.
type HostInfo struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os,omitempty"`
	Platform      string `json:"platform,omitempty"`
	KernelVersion string `json:"kernelVersion,omitempty"`
}

// SegmentInfo summarizes one finalized capture segment. Reported to the
// segment sink when the recorder closes a segment's data file.
type SegmentInfo struct {
	DevicePath  string
	DeviceIndex int
	Path        string
	StartTime   time.Time
	EndTime     time.Time
	Bytes       int64
	Events      int64
}
