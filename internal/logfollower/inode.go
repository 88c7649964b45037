package logfollower

import (
	"fmt"
	"os"
	"syscall"
)

// inode returns the filesystem inode number backing an open file, used to
// detect log rotation the same way logparse.py compares os.stat().st_ino
// across polls.
func inode(file *os.File) (uint64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	return statInode(info)
}

// pathInode stats a path (not an open file descriptor) so rotation can be
// detected without holding the old file open longer than necessary.
func pathInode(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return statInode(info)
}

func statInode(info os.FileInfo) (uint64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("logfollower: unsupported platform for inode stat")
	}
	return stat.Ino, nil
}
