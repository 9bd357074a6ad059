//go:build unix

// mmap_unix.go - Unix/Linux/macOS 平台可执行内存分配
//
// 使用 mmap/munmap 分配具有执行权限的内存

package codebuf

import (
	"golang.org/x/sys/unix"
)

// mapExecutable 分配 RWX 内存（Unix）
func mapExecutable(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// unmapExecutable 释放内存（Unix）
func unmapExecutable(mem []byte) error {
	return unix.Munmap(mem)
}

// pageSize 系统页大小
func pageSize() int {
	return unix.Getpagesize()
}
