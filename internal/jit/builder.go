// builder.go - 基本块构建器
//
// Builder 收集一个基本块的操作，在块结束时（跳转到标签、返回、暂停）
// 调用寄存器分配器并把代码写入机器码块。
//
// 跳到尚未发射的块时先写入偏移为 0 的跳转，并记录在目标构建器上（comingFrom）；
// 目标块开始写入时回填偏移。如果这条跳转恰好是机器码块中最后写入的指令，
// 且目标块紧随其后，则直接丢弃这条跳转。

package jit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/rgen/internal/jit/codebuf"
	"github.com/tangzhangming/rgen/internal/jit/platform"
)

// Builder 基本块构建器
type Builder struct {
	ctx  *Context
	g    *graph
	name string

	inputArgs     []Value
	inputOperands []platform.Operand

	ops     []Value
	writing bool
	epoch   int
	done    bool

	comingFrom     uintptr
	comingFromCond platform.Cond
	hasComingFrom  bool
}

// mcWriter 正在写入的机器码块
type mcWriter struct {
	block *codebuf.Block
	asm   *platform.X64Assembler
	start uintptr
}

func newBuilder(ctx *Context, g *graph, inputArgs []Value, inputOperands []platform.Operand) *Builder {
	g.builders++
	ctx.builders++
	return &Builder{
		ctx:           ctx,
		g:             g,
		name:          fmt.Sprintf("%s.%d", g.name, g.builders),
		inputArgs:     inputArgs,
		inputOperands: inputOperands,
	}
}

// Name 构建器名称（函数名.序号）
func (b *Builder) Name() string { return b.name }

// InputArgs 块的输入值
func (b *Builder) InputArgs() []Value { return b.inputArgs }

// StartWriting 开始写入一个新块
func (b *Builder) StartWriting() {
	if b.done {
		contractf(ErrNoOpenBlock, "builder %s is finished", b.name)
	}
	if b.writing {
		contractf(ErrNoOpenBlock, "builder %s is already writing", b.name)
	}
	b.writing = true
	b.epoch++
	b.ops = b.ops[:0]
}

func (b *Builder) mustWrite() {
	if !b.writing {
		contractf(ErrNoOpenBlock, "builder %s", b.name)
	}
}

func (b *Builder) checkValue(v Value) {
	if !v.IsValid() {
		contractf(ErrValueNotInBlock, "invalid value passed to builder %s", b.name)
	}
	if v.kind == valVar && v.g != b.g {
		contractf(ErrValueNotInBlock, "%s belongs to another function", v)
	}
}

func (b *Builder) appendNode(n node) Value {
	n.owner, n.epoch = b, b.epoch
	v := b.g.add(n)
	b.ops = append(b.ops, v)
	return v
}

// ============================================================================
// 操作
// ============================================================================

// GenOp1 按名字追加一元操作
func (b *Builder) GenOp1(name string, x Value) Value {
	kind, identity, ok := LookupOp(name)
	if !ok {
		contractf(ErrUnknownOperation, "%q", name)
	}
	if identity {
		b.checkValue(x)
		return x
	}
	return b.Op1(kind, x)
}

// GenOp2 按名字追加二元操作
func (b *Builder) GenOp2(name string, x, y Value) Value {
	kind, identity, ok := LookupOp(name)
	if !ok || identity {
		contractf(ErrUnknownOperation, "%q", name)
	}
	return b.Op2(kind, x, y)
}

// Op1 追加一元操作
func (b *Builder) Op1(kind Kind, x Value) Value {
	b.checkOp(kind, 1)
	b.checkValue(x)
	return b.appendNode(node{kind: kind, x: x})
}

// Op2 追加二元操作
func (b *Builder) Op2(kind Kind, x, y Value) Value {
	b.checkOp(kind, 2)
	b.checkValue(x)
	b.checkValue(y)
	return b.appendNode(node{kind: kind, x: x, y: y})
}

func (b *Builder) checkOp(kind Kind, arity int) {
	b.mustWrite()
	if kind >= numKinds || opTable[kind].arity != arity {
		contractf(ErrUnknownOperation, "%s with %d operands", kind, arity)
	}
	if opTable[kind].unwired {
		contractf(ErrUnimplemented, "%s", kind)
	}
}

// isLocalCC cond 是否是当前块中的比较
func (b *Builder) isLocalCC(cond Value) bool {
	if cond.kind != valVar || cond.g != b.g {
		return false
	}
	n := cond.node()
	return opTable[n.kind].result == rkCC && n.owner == b && n.epoch == b.epoch
}

func (b *Builder) jumpIf(cond Value, args []Value, negate bool) *Builder {
	b.mustWrite()
	b.checkValue(cond)
	for _, v := range args {
		b.checkValue(v)
	}
	target := newBuilder(b.ctx, b.g, append([]Value(nil), args...), nil)
	// 条件不是本块中的比较时（输入参数、常量等），补一次与 0 的比较
	if !b.isLocalCC(cond) {
		cond = b.appendNode(node{kind: OpIntIsTrue, x: cond})
	}
	b.appendNode(node{kind: OpJumpIf, x: cond, target: target, negate: negate})
	return target
}

// JumpIfTrue cond 为真时跳到返回的新构建器，args 是目标块的输入
func (b *Builder) JumpIfTrue(cond Value, args []Value) *Builder {
	return b.jumpIf(cond, args, false)
}

// JumpIfFalse cond 为假时跳到返回的新构建器
func (b *Builder) JumpIfFalse(cond Value, args []Value) *Builder {
	return b.jumpIf(cond, args, true)
}

// EnterNextBlock 在当前位置放置标签
//
// 返回标签和替代 args 的新值；之后的操作应使用新值，
// 跳到该标签的块必须按同样的顺序提供这些值。
func (b *Builder) EnterNextBlock(args []Value) (*Label, []Value) {
	b.mustWrite()
	out := make([]Value, len(args))
	for i, v := range args {
		b.checkValue(v)
		out[i] = b.appendNode(node{kind: OpSameAs, x: v})
	}
	lbl := &Label{}
	b.appendNode(node{kind: OpLabel, label: lbl, args: out})
	return lbl, out
}

// ============================================================================
// 结束块
// ============================================================================

// FinishAndGoto 结束块并跳到已放置的标签
func (b *Builder) FinishAndGoto(outputs []Value, lbl *Label) error {
	if lbl == nil || !lbl.placed {
		contractf(ErrLabelNotPlaced, "goto from %s", b.name)
	}
	if len(outputs) != len(lbl.inputOperands) {
		contractf(ErrLabelNotPlaced, "label expects %d values, got %d", len(lbl.inputOperands), len(outputs))
	}
	mc, ra, err := b.generateBlockCode(outputs, outputs, lbl.inputOperands, true)
	if err != nil {
		return err
	}
	// 目标处的代码假定栈帧至少有标签记录的深度
	if lbl.frameDepth > ra.frameDepth {
		mustEncode(mc.asm.LEA(opRSP, b.ctx.frame.Slot(lbl.frameDepth-1)))
	}
	if !mc.asm.Jump(platform.CondAlways, lbl.targetAddr).OK() {
		panic(fmt.Errorf("rgen: jump from %#x to %#x out of rel32 range", mc.asm.Tell(), lbl.targetAddr))
	}
	b.ctx.closeMC(mc, b.name)
	b.done = true
	return nil
}

// FinishAndReturn 结束块并返回 ret
func (b *Builder) FinishAndReturn(ret Value) error {
	b.checkValue(ret)
	mc, _, err := b.generateBlockCode([]Value{ret}, []Value{ret}, []platform.Operand{opRAX}, true)
	if err != nil {
		return err
	}
	asm := mc.asm
	mustEncode(asm.LEA(opRSP, platform.Mem(platform.RegRBP, -platform.WordSize*platform.SavedRegisters)))
	mustEncode(asm.POP(opR13))
	mustEncode(asm.POP(opR12))
	mustEncode(asm.POP(opRBX))
	mustEncode(asm.POP(opRBP))
	asm.RET()
	b.ctx.closeMC(mc, b.name)
	b.done = true
	return nil
}

// PauseWriting 发射已收集的操作并暂停，alive 是之后仍要使用的值
//
// 返回的构建器（即 b 本身）可以稍后用 StartWriting 继续写入，
// 它的输入就是 alive 中去重后的值。
func (b *Builder) PauseWriting(alive []Value) (*Builder, error) {
	for _, v := range alive {
		b.checkValue(v)
	}
	mc, _, err := b.generateBlockCode(alive, nil, nil, false)
	if err != nil {
		return nil, err
	}
	b.setComingFrom(mc.asm, platform.CondAlways)
	b.ctx.closeMC(mc, b.name)
	return b, nil
}

// End 函数的所有块都已生成
func (b *Builder) End() {}

// generateBlockCode 分配寄存器并发射块代码
//
// finals 是块结束时活跃的值，forceVars[i] 必须最终位于 forceOperands[i]。
// renaming 为 true 时块的输出换成新的输入节点，否则保留原值（去重）。
func (b *Builder) generateBlockCode(finals, forceVars []Value, forceOperands []platform.Operand,
	renaming bool) (*mcWriter, *regAllocator, error) {
	b.mustWrite()
	ra := newRegAllocator(b.g, b.ctx.frame, b.ctx.cfg.MaxRegisters)
	ra.setFinal(finals)
	if !renaming {
		finals = uniqueFinals(finals)
	}
	ra.allocateLocations(b.ops)
	ra.forceVarOperands(forceVars, forceOperands, false)
	ra.forceVarOperands(b.inputArgs, b.inputOperands, true)
	ra.checkDefined()
	ra.allocateRegisters()

	mc, err := b.startMC(ra.estimateSize())
	if err != nil {
		return nil, nil, err
	}
	ra.asm = mc.asm
	ra.generateInitialMoves()
	ra.generateOperations()

	b.ctx.log.Debug("emit block",
		zap.String("builder", b.name),
		zap.Int("operations", len(ra.ops)),
		zap.Int("dead", ra.dead),
		zap.Int("cc_clones", ra.clones),
		zap.Int("locations", ra.nextLoc),
		zap.Int("frame_depth", ra.frameDepth),
		zap.Int("bytes", int(mc.asm.Tell()-mc.start)))
	b.ctx.recordBlock(ra)

	operands := make([]platform.Operand, len(finals))
	for i, v := range finals {
		operands[i], _ = ra.operand(v)
	}
	if renaming {
		renamed := make([]Value, len(finals))
		for i := range finals {
			renamed[i] = b.g.add(node{kind: OpInput})
		}
		finals = renamed
	}
	b.inputArgs = finals
	b.inputOperands = operands
	b.ops = b.ops[:0]
	b.writing = false
	return mc, ra, nil
}

// setComingFrom 写入待回填的跳转，目标是本构建器下一次发射的代码
func (b *Builder) setComingFrom(asm *platform.X64Assembler, cc platform.Cond) {
	if b.hasComingFrom {
		panic(fmt.Errorf("rgen: internal error: builder %s already has a pending jump", b.name))
	}
	b.comingFrom = asm.Tell()
	b.comingFromCond = cc
	b.hasComingFrom = true
	asm.JumpPlaceholder(cc)
}

// startMC 打开机器码块并解决待回填的跳转
func (b *Builder) startMC(reserve int) (*mcWriter, error) {
	pool := b.ctx.pool
	if reserve < b.ctx.cfg.minFree {
		reserve = b.ctx.cfg.minFree
	}
	block, err := pool.Open(reserve)
	if err != nil {
		return nil, err
	}
	if b.hasComingFrom {
		b.hasComingFrom = false
		start, size := b.comingFrom, platform.JumpSize(b.comingFromCond)
		if b.comingFromCond == platform.CondAlways &&
			start+uintptr(size) == block.Tell() && block.CanRewind(start) {
			pool.ElideJump(block, start)
		} else {
			w, err := pool.Patch(start, size)
			if err != nil {
				pool.Close(block)
				return nil, err
			}
			if !platform.NewX64Assembler(w).Jump(b.comingFromCond, block.Tell()).OK() {
				panic(fmt.Errorf("rgen: jump from %#x to %#x out of rel32 range", start, block.Tell()))
			}
			w.Done()
			b.ctx.log.Debug("patch jump",
				zap.String("builder", b.name),
				zap.Uintptr("from", start),
				zap.Uintptr("to", block.Tell()))
		}
	}
	return &mcWriter{block: block, asm: platform.NewX64Assembler(block), start: block.Tell()}, nil
}
