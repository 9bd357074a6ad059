// Package jit 把操作图编译为 x86-64 机器码
//
// 使用方式：
//
//	ctx, _ := jit.NewContext(jit.DefaultConfig(), logger)
//	b, entry, args, _ := ctx.NewGraph("add", 2)
//	sum := b.GenOp2("int_add", args[0], args[1])
//	_ = b.FinishAndReturn(sum)
//	r, _ := ctx.Call(entry, 3, 4) // 7
//
// Context 拥有自己的机器码块池，所有入口都通过它进行，没有全局状态。
// 一个 Context 同一时刻只能由一个 goroutine 使用。
package jit

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tangzhangming/rgen/internal/jit/codebuf"
	"github.com/tangzhangming/rgen/internal/jit/platform"
)

// prologueReserve 序言所需的最大字节数
const prologueReserve = 32

// Context 编译上下文
type Context struct {
	id    uuid.UUID
	cfg   *Config
	log   *zap.Logger
	pool  *codebuf.Pool
	frame *platform.StackFrame

	// 指针常量引用的对象在生成的代码存活期间不能被回收
	keepalive []unsafe.Pointer

	builders int
	stats    Stats
}

// NewContext 创建编译上下文；cfg 为 nil 时使用默认配置，log 为 nil 时不输出日志
func NewContext(cfg *Config, log *zap.Logger) (*Context, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.New()
	log = log.Named("rgen").With(zap.String("context", id.String()))
	c := &Context{
		id:    id,
		cfg:   cfg,
		log:   log,
		pool:  codebuf.NewPool(cfg.blockSize, log.Named("codebuf")),
		frame: &platform.StackFrame{},
	}
	log.Debug("new context",
		zap.String("block_size", cfg.BlockSize),
		zap.Int("max_registers", cfg.MaxRegisters))
	return c, nil
}

// ID 上下文标识
func (c *Context) ID() uuid.UUID { return c.id }

// NewGraph 开始一个有 numArgs 个参数的新函数
//
// 返回第一个块的构建器（已处于写入状态）、函数入口地址常量和参数值。
func (c *Context) NewGraph(name string, numArgs int) (*Builder, Value, []Value, error) {
	if numArgs < 0 {
		contractf(ErrValueNotInBlock, "negative argument count %d", numArgs)
	}
	block, err := c.pool.Open(prologueReserve + c.cfg.minFree)
	if err != nil {
		return nil, Value{}, nil, err
	}
	entry := block.Tell()
	asm := platform.NewX64Assembler(block)
	if c.cfg.Trap {
		asm.INT3()
	}
	mustEncode(asm.PUSH(opRBP))
	mustEncode(asm.MOV(opRBP, opRSP))
	mustEncode(asm.PUSH(opRBX))
	mustEncode(asm.PUSH(opR12))
	mustEncode(asm.PUSH(opR13))

	g := &graph{name: name}
	args := make([]Value, numArgs)
	operands := make([]platform.Operand, numArgs)
	for i := range args {
		args[i] = g.add(node{kind: OpInput})
		operands[i] = platform.ArgOperand(i)
	}
	b := newBuilder(c, g, args, operands)
	// 第一个块通常紧随其后，届时这条跳转会被省略
	b.setComingFrom(asm, platform.CondAlways)
	c.closeMC(&mcWriter{block: block, asm: asm, start: entry}, name+"/entry")
	c.stats.Graphs++

	b.StartWriting()
	return b, AddrConst(entry), append([]Value(nil), args...), nil
}

// GenConst 整数常量
func (c *Context) GenConst(n int64) Value {
	return IntConst(n)
}

// GenAddrConst 地址常量
func (c *Context) GenAddrConst(addr uintptr) Value {
	return AddrConst(addr)
}

// GenPtrConst 指针常量，p 指向的对象由 Context 保持存活
func (c *Context) GenPtrConst(p unsafe.Pointer) Value {
	if p != nil {
		c.keepalive = append(c.keepalive, p)
	}
	return AddrConst(uintptr(p))
}

// Call 调用生成的函数
func (c *Context) Call(entry Value, args ...int64) (int64, error) {
	if err := c.pool.CheckNoOpen(); err != nil {
		return 0, err
	}
	return callNative(entry.RevealAddr(), args)
}

// CheckNoOpenBlocks 检查没有机器码块处于打开状态
func (c *Context) CheckNoOpenBlocks() error {
	return c.pool.CheckNoOpen()
}

// closeMC 登记代码区域并关闭机器码块
func (c *Context) closeMC(mc *mcWriter, name string) {
	r := codebuf.Region{Start: mc.start, End: mc.block.Tell(), Name: name}
	c.pool.AddRegion(r)
	c.pool.Close(mc.block)
	if c.cfg.Listing {
		if code, err := c.pool.Code(r); err == nil {
			c.log.Debug("listing",
				zap.String("region", name),
				zap.Strings("code", platform.Disassemble(code, r.Start)))
		}
	}
}

// Listing 所有已发射代码的反汇编，按地址排序
func (c *Context) Listing() (string, error) {
	var sb strings.Builder
	for _, r := range c.pool.Regions() {
		code, err := c.pool.Code(r)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%s:\n", r.Name)
		for _, line := range platform.Disassemble(code, r.Start) {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return sb.String(), nil
}

// Lookup 查找包含 addr 的代码区域名称
func (c *Context) Lookup(addr uintptr) (string, bool) {
	r, ok := c.pool.Lookup(addr)
	return r.Name, ok
}

// Close 释放所有可执行内存，之后生成的代码不可再调用
func (c *Context) Close() error {
	c.keepalive = nil
	if err := c.pool.CheckNoOpen(); err != nil {
		c.log.Warn("closing context with open blocks", zap.Error(err))
	}
	return c.pool.Free()
}
