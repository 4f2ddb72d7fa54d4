//go:build !windows

package util

import (
	"syscall"
)

type DiskSpaceInfo struct {
	AvailBytes uint64
	TotalBytes uint64
}

func (d DiskSpaceInfo) AvailGB() float64 {
	return float64(d.AvailBytes) / (1024 * 1024 * 1024)
}

func GetDiskSpace(path string) (DiskSpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskSpaceInfo{}, err
	}
	return DiskSpaceInfo{
		AvailBytes: stat.Bavail * uint64(stat.Bsize),
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
	}, nil
}
