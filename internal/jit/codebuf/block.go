// block.go - 机器码块
//
// Block 是一段可读写可执行的内存，代码按顺序追加写入。
// Patcher 是作用于已写入字节中一小段区间的写入器，用于回填跳转偏移。

package codebuf

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferOverflow 块空间不足
	ErrBufferOverflow = errors.New("codebuf: machine code block overflow")
	// ErrPatchRange 回填区间不在已写入的代码内
	ErrPatchRange = errors.New("codebuf: patch outside of emitted code")
)

// Block 机器码块
type Block struct {
	id      int
	mem     []byte
	base    uintptr
	pos     int
	open    bool
	retired bool
}

// ID 块编号
func (b *Block) ID() int { return b.id }

// Base 块起始地址
func (b *Block) Base() uintptr { return b.base }

// Size 块总大小
func (b *Block) Size() int { return len(b.mem) }

// Used 已写入字节数
func (b *Block) Used() int { return b.pos }

// Available 剩余字节数
func (b *Block) Available() int { return len(b.mem) - b.pos }

// Tell 下一个字节的地址
func (b *Block) Tell() uintptr { return b.base + uintptr(b.pos) }

// Emit 追加字节，空间不足时 panic
func (b *Block) Emit(bs ...byte) {
	if !b.open {
		panic(fmt.Errorf("codebuf: write to closed block %d", b.id))
	}
	if b.pos+len(bs) > len(b.mem) {
		panic(fmt.Errorf("%w: block %d needs %d more bytes", ErrBufferOverflow, b.id, b.pos+len(bs)-len(b.mem)))
	}
	copy(b.mem[b.pos:], bs)
	b.pos += len(bs)
}

// CanRewind 能否把写入位置退回到 addr
func (b *Block) CanRewind(addr uintptr) bool {
	return addr >= b.base && addr <= b.Tell()
}

// Rewind 丢弃 addr 之后已写入的字节
func (b *Block) Rewind(addr uintptr) {
	if !b.open || !b.CanRewind(addr) {
		panic(fmt.Errorf("codebuf: cannot rewind block %d to %#x", b.id, addr))
	}
	b.pos = int(addr - b.base)
}

// contains addr 是否落在已写入的代码内
func (b *Block) contains(start uintptr, size int) bool {
	return start >= b.base && start+uintptr(size) <= b.Tell()
}

// slice 已写入代码中 [start, start+size) 的视图
func (b *Block) slice(start uintptr, size int) []byte {
	off := int(start - b.base)
	return b.mem[off : off+size : off+size]
}

// Patcher 限定在 [start, start+size) 内的写入器
type Patcher struct {
	start uintptr
	mem   []byte
	pos   int
}

// Tell 实现 platform.CodeSink
func (p *Patcher) Tell() uintptr { return p.start + uintptr(p.pos) }

// Emit 实现 platform.CodeSink，越界即 panic
func (p *Patcher) Emit(bs ...byte) {
	if p.pos+len(bs) > len(p.mem) {
		panic(fmt.Errorf("%w: %d bytes at %#x exceed patch of %d bytes", ErrPatchRange, len(bs), p.Tell(), len(p.mem)))
	}
	copy(p.mem[p.pos:], bs)
	p.pos += len(bs)
}

// Done 检查回填恰好覆盖整个区间
func (p *Patcher) Done() {
	if p.pos != len(p.mem) {
		panic(fmt.Errorf("%w: wrote %d of %d bytes at %#x", ErrPatchRange, p.pos, len(p.mem), p.start))
	}
}
