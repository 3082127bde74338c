//go:build !linux

package resource

import "errors"

// memoryUsedFraction and cpuLoadRatio are stubs on non-Linux platforms. The
// production image runs on Linux, where hoststat_linux.go is used.
func memoryUsedFraction() (float64, error) {
	return 0, errors.New("resource: memory sampling not supported on this platform")
}

func cpuLoadRatio() (float64, error) {
	return 0, errors.New("resource: cpu load sampling not supported on this platform")
}
