// Package infra provides OS-facing helpers for the capture daemon.
package infra

import (
	"go.uber.org/zap"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/lostmsu/evdev-rec/internal/domain"
)

// CollectHostInfo snapshots the machine identity once at process start,
// for embedding in segment metadata sidecars. Best-effort: returns nil
// when host information is unavailable.
func CollectHostInfo(logger *zap.Logger) *domain.HostInfo {
	info, err := host.Info()
	if err != nil {
		logger.Debug("host information unavailable", zap.Error(err))
		return nil
	}
	return &domain.HostInfo{
		Hostname:      info.Hostname,
		OS:            info.OS,
		Platform:      info.Platform + " " + info.PlatformVersion,
		KernelVersion: info.KernelVersion,
	}
}
