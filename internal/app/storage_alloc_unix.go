//go:build !windows

package app

import (
	"os"
	"syscall"
)

// allocatedBytes reads the block count so preallocated sparse files are not
// counted at their full length.
func allocatedBytes(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat != nil && stat.Blocks > 0 {
		return int64(stat.Blocks) * 512
	}
	return max(info.Size(), 0)
}
