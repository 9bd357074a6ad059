// pool.go - 机器码块池
//
// 块按 open/close 成对使用：同一时刻最多一个块处于打开状态（正在写入），
// 关闭的块回到池中，下一次 Open 优先复用最近关闭的块（LIFO）。
// 剩余空间不足的块被退役：保持映射，但不再被打开。
//
// 池还维护两个按地址排序的索引：
// - 块索引，用于回填时定位目标字节所在的块
// - 代码区域索引，记录每次块发射产生的代码范围，用于反汇编和按地址查找

package codebuf

import (
	"errors"
	"fmt"
	"unsafe"

	units "github.com/docker/go-units"
	"github.com/google/btree"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrOpenBlock 有块仍处于打开状态
var ErrOpenBlock = errors.New("codebuf: a machine code block is still open")

// DefaultBlockSize 默认块大小
const DefaultBlockSize = 64 * 1024

// Region 一段已发射的代码
type Region struct {
	Start uintptr
	End   uintptr
	Name  string
}

// Size 区域字节数
func (r Region) Size() int { return int(r.End - r.Start) }

// PoolStats 池统计
type PoolStats struct {
	Blocks       int   `json:"blocks"`
	Available    int   `json:"available"`
	Retired      int   `json:"retired"`
	MappedBytes  int64 `json:"mapped_bytes"`
	EmittedBytes int64 `json:"emitted_bytes"`
	Regions      int   `json:"regions"`
	Patches      int64 `json:"patches"`
	ElidedJumps  int64 `json:"elided_jumps"`
}

// Pool 机器码块池
type Pool struct {
	blockSize int
	log       *zap.Logger

	available []*Block
	open      *Block
	total     int
	retired   int

	blocks  *btree.BTreeG[*Block]
	regions *btree.BTreeG[Region]

	mapped  atomic.Int64
	emitted atomic.Int64
	patches atomic.Int64
	elided  atomic.Int64
}

// NewPool 创建块池；blockSize 向上对齐到页大小
func NewPool(blockSize int, log *zap.Logger) *Pool {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	ps := pageSize()
	blockSize = (blockSize + ps - 1) &^ (ps - 1)
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		blockSize: blockSize,
		log:       log,
		blocks: btree.NewG(8, func(a, b *Block) bool {
			return a.base < b.base
		}),
		regions: btree.NewG(16, func(a, b Region) bool {
			return a.Start < b.Start
		}),
	}
}

// BlockSize 块大小
func (p *Pool) BlockSize() int { return p.blockSize }

// Open 打开一个至少有 reserve 字节剩余空间的块
func (p *Pool) Open(reserve int) (*Block, error) {
	if p.open != nil {
		panic(fmt.Errorf("%w: block %d", ErrOpenBlock, p.open.id))
	}
	if reserve >= p.blockSize {
		return nil, fmt.Errorf("%w: reserve of %s exceeds block size %s", ErrBufferOverflow,
			units.BytesSize(float64(reserve)), units.BytesSize(float64(p.blockSize)))
	}
	for len(p.available) > 0 {
		b := p.available[len(p.available)-1]
		p.available = p.available[:len(p.available)-1]
		if b.Available() >= reserve {
			b.open = true
			p.open = b
			return b, nil
		}
		b.retired = true
		p.retired++
		p.log.Debug("retire machine code block",
			zap.Int("block", b.id),
			zap.String("free", units.BytesSize(float64(b.Available()))))
	}

	mem, err := mapExecutable(p.blockSize)
	if err != nil {
		return nil, fmt.Errorf("map executable memory: %w", err)
	}
	b := &Block{
		id:   p.total,
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
		open: true,
	}
	p.total++
	p.blocks.ReplaceOrInsert(b)
	p.mapped.Add(int64(len(mem)))
	p.open = b
	p.log.Debug("map machine code block",
		zap.Int("block", b.id),
		zap.Uintptr("base", b.base),
		zap.String("size", units.BytesSize(float64(len(mem)))))
	return b, nil
}

// Close 关闭当前打开的块并放回池中
func (p *Pool) Close(b *Block) {
	if b == nil || b != p.open {
		panic(fmt.Errorf("codebuf: closing block that is not open"))
	}
	b.open = false
	p.open = nil
	p.available = append(p.available, b)
}

// CheckNoOpen 检查没有块处于打开状态，且所有块都已回到池中或已退役
func (p *Pool) CheckNoOpen() error {
	if p.open != nil {
		return fmt.Errorf("%w: block %d", ErrOpenBlock, p.open.id)
	}
	if len(p.available)+p.retired != p.total {
		return fmt.Errorf("%w: %d available + %d retired != %d total",
			ErrOpenBlock, len(p.available), p.retired, p.total)
	}
	return nil
}

// blockAt 查找包含 addr 的块
func (p *Pool) blockAt(addr uintptr) *Block {
	var found *Block
	p.blocks.DescendLessOrEqual(&Block{base: addr}, func(b *Block) bool {
		found = b
		return false
	})
	if found == nil || addr >= found.base+uintptr(len(found.mem)) {
		return nil
	}
	return found
}

// Patch 返回覆盖 [start, start+size) 的回填写入器
//
// 区间必须完全落在某个块已写入的代码内。
func (p *Pool) Patch(start uintptr, size int) (*Patcher, error) {
	b := p.blockAt(start)
	if b == nil || !b.contains(start, size) {
		return nil, fmt.Errorf("%w: %d bytes at %#x", ErrPatchRange, size, start)
	}
	p.patches.Inc()
	return &Patcher{start: start, mem: b.slice(start, size)}, nil
}

// ElideJump 把块退回到 addr，丢弃其后的一条直通跳转
//
// 覆盖 addr 的代码区域被相应截短。
func (p *Pool) ElideJump(b *Block, addr uintptr) {
	dropped := b.Tell() - addr
	b.Rewind(addr)
	if r, ok := p.Lookup(addr); ok {
		p.regions.Delete(r)
		p.emitted.Sub(int64(r.Size()))
		if r.Start < addr {
			r.End = addr
			p.regions.ReplaceOrInsert(r)
			p.emitted.Add(int64(r.Size()))
		}
	}
	p.elided.Inc()
	p.log.Debug("elide fall-through jump",
		zap.Uintptr("at", addr),
		zap.Uint64("bytes", uint64(dropped)))
}

// AddRegion 登记一段已发射的代码
func (p *Pool) AddRegion(r Region) {
	if r.End <= r.Start {
		return
	}
	p.regions.ReplaceOrInsert(r)
	p.emitted.Add(int64(r.Size()))
}

// Lookup 查找包含 addr 的代码区域
func (p *Pool) Lookup(addr uintptr) (Region, bool) {
	var (
		found Region
		ok    bool
	)
	p.regions.DescendLessOrEqual(Region{Start: addr}, func(r Region) bool {
		found, ok = r, addr < r.End
		return false
	})
	return found, ok
}

// Regions 按地址顺序返回所有代码区域
func (p *Pool) Regions() []Region {
	out := make([]Region, 0, p.regions.Len())
	p.regions.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Code 返回区域的机器码副本
func (p *Pool) Code(r Region) ([]byte, error) {
	b := p.blockAt(r.Start)
	if b == nil || !b.contains(r.Start, r.Size()) {
		return nil, fmt.Errorf("%w: region %s at %#x", ErrPatchRange, r.Name, r.Start)
	}
	return append([]byte(nil), b.slice(r.Start, r.Size())...), nil
}

// Stats 返回统计信息
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Blocks:       p.total,
		Available:    len(p.available),
		Retired:      p.retired,
		MappedBytes:  p.mapped.Load(),
		EmittedBytes: p.emitted.Load(),
		Regions:      p.regions.Len(),
		Patches:      p.patches.Load(),
		ElidedJumps:  p.elided.Load(),
	}
}

// Free 释放所有块；之后池不可再使用
func (p *Pool) Free() error {
	var err error
	p.blocks.Ascend(func(b *Block) bool {
		err = multierr.Append(err, unmapExecutable(b.mem))
		b.mem = nil
		return true
	})
	p.log.Debug("free machine code blocks",
		zap.Int("blocks", p.total),
		zap.String("mapped", units.BytesSize(float64(p.mapped.Load()))))
	p.blocks.Clear(false)
	p.regions.Clear(false)
	p.available = nil
	p.open = nil
	p.total = 0
	p.retired = 0
	p.mapped.Store(0)
	return err
}
