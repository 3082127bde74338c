//go:build !windows

package resource

import (
	"os"
	"syscall"
)

// fileAllocatedBytes returns the number of bytes actually allocated on disk
// for fileInfo, preferring the filesystem block count over the logical
// size (a sparse or not-yet-flushed file reports fewer allocated blocks).
func fileAllocatedBytes(fileInfo os.FileInfo) int64 {
	if fileInfo == nil {
		return 0
	}
	stat, ok := fileInfo.Sys().(*syscall.Stat_t)
	if ok && stat != nil {
		blocks := int64(stat.Blocks)
		if blocks > 0 {
			return blocks * 512
		}
	}
	size := fileInfo.Size()
	if size > 0 {
		return size
	}
	return 0
}
