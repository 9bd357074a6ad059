//go:build windows

// mmap_windows.go - Windows 平台可执行内存分配
//
// 使用 VirtualAlloc/VirtualFree 分配具有执行权限的内存

package codebuf

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapExecutable 分配 RWX 内存（Windows）
func mapExecutable(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// unmapExecutable 释放内存（Windows）
func unmapExecutable(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}

// pageSize Windows 分配粒度按 4KB 页对齐
func pageSize() int {
	return 4096
}
