//go:build !linux && !darwin

package resource

import "errors"

// diskFreeBytes is a stub for platforms without a statfs syscall. The
// production image runs on Linux, where diskstat_unix.go is used.
func diskFreeBytes(path string) (int64, error) {
	return 0, errors.New("disk space check not supported on this platform")
}
