// regalloc.go - 块内寄存器分配器
//
// 每个块发射时新建一个分配器，分两遍处理块内的操作序列：
//
// 1. 逆序扫描（位置分配）：第一次遇到某个值的使用即是它的最后一次使用，
//    为它分配一个抽象位置；扫描到值的定义时位置被释放，可供更早定义的值复用。
//    扫描到定义时仍没有位置的节点是死代码，不会发射，也不再声明对其操作数的使用。
//    标志位同一时刻只能保存一个条件码；需要的条件码被破坏标志位的指令隔开时，
//    把比较节点复制到破坏点之后重新计算。
//
// 2. 顺序发射：先处理强制的位置-操作数关联（块输入、跳转目标的输入、返回寄存器），
//    其余位置按编号依次取空闲寄存器，寄存器用尽后取栈槽；然后发射块入口的
//    输入重排，再按序调用每个节点的 generate。
//
// 调用方的操作序列不会被修改，复制的比较节点和末尾的复制操作只插入到分配器自己的副本中。

package jit

import (
	"fmt"

	"github.com/tangzhangming/rgen/internal/jit/platform"
)

// initialMove 块入口处的一次输入重排
type initialMove struct {
	loc int
	src platform.Operand
}

// regAllocator 寄存器分配器
type regAllocator struct {
	g       *graph
	frame   *platform.StackFrame
	maxRegs int

	nextLoc       int
	varLoc        map[Value]int
	availableLocs []int

	forceLocOperand map[int]platform.Operand
	forceOperandLoc map[platform.Operand]int
	initialMoves    []initialMove

	// 降级后的操作序列；keep 为 false 的是死代码，clone 为 true 的是复制出的比较
	ops     []Value
	keep    []bool
	clone   []bool
	opIndex int
	needCC  Value

	defined map[Value]bool

	operands      []platform.Operand
	requiredDepth int
	frameDepth    int

	asm *platform.X64Assembler

	dead, clones, finalMoves int
}

func newRegAllocator(g *graph, frame *platform.StackFrame, maxRegs int) *regAllocator {
	if maxRegs <= 0 || maxRegs > len(platform.AllocatableRegisters) {
		maxRegs = len(platform.AllocatableRegisters)
	}
	return &regAllocator{
		g:               g,
		frame:           frame,
		maxRegs:         maxRegs,
		varLoc:          make(map[Value]int),
		forceLocOperand: make(map[int]platform.Operand),
		forceOperandLoc: make(map[platform.Operand]int),
		defined:         make(map[Value]bool),
	}
}

// ============================================================================
// 逆序扫描
// ============================================================================

// setFinal 块结束时仍然活跃的值
func (ra *regAllocator) setFinal(finals []Value) {
	for _, v := range finals {
		if v.IsConst() {
			continue
		}
		if _, ok := ra.varLoc[v]; !ok {
			ra.varLoc[v] = ra.nextLoc
			ra.nextLoc++
		}
	}
}

// uniqueFinals 去重并去掉常量，保持顺序
func uniqueFinals(finals []Value) []Value {
	seen := make(map[Value]bool, len(finals))
	out := make([]Value, 0, len(finals))
	for _, v := range finals {
		if v.IsConst() || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// isLive 扫描到 v 的定义时 v 是否仍被需要
func (ra *regAllocator) isLive(v Value, info *opInfo) bool {
	_, used := ra.varLoc[v]
	switch info.result {
	case rkWord:
		return used
	case rkCC:
		return used || ra.needCC == v
	}
	return true
}

// creating 扫描到 v 的定义，v 的位置可供更早定义的值复用
func (ra *regAllocator) creating(v Value) {
	if loc, ok := ra.varLoc[v]; ok {
		ra.availableLocs = append(ra.availableLocs, loc)
	}
}

// creatingCC 扫描到比较节点的定义
func (ra *regAllocator) creatingCC(v Value) {
	if ra.needCC == v {
		ra.needCC = Value{}
	}
	ra.creating(v)
}

// using 声明 v 在当前位置被使用
func (ra *regAllocator) using(v Value) {
	if v.IsConst() {
		return
	}
	if _, ok := ra.varLoc[v]; ok {
		return
	}
	var loc int
	if n := len(ra.availableLocs); n > 0 {
		loc = ra.availableLocs[n-1]
		ra.availableLocs = ra.availableLocs[:n-1]
	} else {
		loc = ra.nextLoc
		ra.nextLoc++
	}
	ra.varLoc[v] = loc
}

// usingCC 声明 v 必须在当前位置位于标志位中
func (ra *regAllocator) usingCC(v Value) {
	if opTable[v.Op()].result != rkCC {
		panic(fmt.Errorf("rgen: internal error: %s does not produce a condition code", v))
	}
	if ra.needCC.IsValid() && ra.needCC != v {
		ra.saveCC()
	}
	ra.needCC = v
}

// saveCC 把挂起的比较复制到当前扫描位置之后
func (ra *regAllocator) saveCC() {
	v := ra.needCC
	ra.needCC = Value{}
	ra.insert(ra.opIndex, v, true)
	ra.clones++
	// 副本处重新读取操作数，操作数必须活到这里
	opTable[v.Op()].allocate(ra, v.node())
}

func (ra *regAllocator) insert(i int, v Value, isClone bool) {
	ra.ops = append(ra.ops, Value{})
	copy(ra.ops[i+1:], ra.ops[i:])
	ra.ops[i] = v
	ra.keep = append(ra.keep, false)
	copy(ra.keep[i+1:], ra.keep[i:])
	ra.keep[i] = true
	ra.clone = append(ra.clone, false)
	copy(ra.clone[i+1:], ra.clone[i:])
	ra.clone[i] = isClone
}

// allocateLocations 逆序扫描，为值分配位置
func (ra *regAllocator) allocateLocations(ops []Value) {
	ra.ops = append(make([]Value, 0, len(ops)+4), ops...)
	ra.keep = make([]bool, len(ops), len(ops)+4)
	ra.clone = make([]bool, len(ops), len(ops)+4)
	ra.needCC = Value{}
	ra.opIndex = len(ops)

	for i := len(ops) - 1; i >= 0; i-- {
		v := ra.ops[i]
		n := v.node()
		info := opTable[n.kind]
		live := ra.isLive(v, info)
		// 副本位于 v 之后，必须在释放 v 的位置之前声明它的操作数
		if live && info.clobbersCC && ra.needCC.IsValid() && ra.needCC != v {
			ra.saveCC()
		}
		switch info.result {
		case rkWord:
			ra.creating(v)
		case rkCC:
			ra.creatingCC(v)
		}
		ra.defined[v] = true
		if live {
			ra.keep[i] = true
			info.allocate(ra, n)
		} else {
			ra.dead++
		}
		ra.opIndex = i
	}
	if ra.needCC.IsValid() {
		panic(fmt.Errorf("rgen: internal error: condition %s is not computed in this block", ra.needCC))
	}
}

// ============================================================================
// 强制操作数与寄存器分配
// ============================================================================

// forceVarOperands 把 vars[i] 关联到 operands[i]
//
// atStart 为 true 时处理块输入：冲突的输入在块入口重排；
// 否则处理块出口：冲突或无位置的值在块末尾复制到目标操作数。
func (ra *regAllocator) forceVarOperands(vars []Value, operands []platform.Operand, atStart bool) {
	for i, v := range vars {
		op := operands[i]
		if atStart {
			ra.defined[v] = true
		}
		loc, ok := ra.varLoc[v]
		if !ok {
			if !atStart {
				ra.addFinalMove(v, op)
			}
			continue
		}
		_, locTaken := ra.forceLocOperand[loc]
		_, opTaken := ra.forceOperandLoc[op]
		if locTaken || opTaken {
			if atStart {
				ra.initialMoves = append(ra.initialMoves, initialMove{loc: loc, src: op})
			} else {
				ra.addFinalMove(v, op)
			}
			continue
		}
		ra.forceLocOperand[loc] = op
		ra.forceOperandLoc[op] = loc
	}
}

// addFinalMove 在块末尾追加 target = v
func (ra *regAllocator) addFinalMove(v Value, target platform.Operand) {
	mv := ra.g.add(node{kind: OpSameAs, x: v})
	ra.ops = append(ra.ops, mv)
	ra.keep = append(ra.keep, true)
	ra.clone = append(ra.clone, false)
	loc := ra.nextLoc
	ra.nextLoc++
	ra.varLoc[mv] = loc
	ra.defined[mv] = true
	ra.forceLocOperand[loc] = target
	ra.forceOperandLoc[target] = loc
	ra.finalMoves++
}

// checkDefined 块内使用的每个值都必须在块内定义或是块的输入
func (ra *regAllocator) checkDefined() {
	for v := range ra.varLoc {
		if !ra.defined[v] {
			contractf(ErrValueNotInBlock, "%s", v)
		}
	}
}

// allocateRegisters 为没有强制操作数的位置分配寄存器或栈槽
func (ra *regAllocator) allocateRegisters() {
	var seenRegs uint32
	seenSlots := make(map[int]bool)
	for _, op := range ra.forceLocOperand {
		if op.IsReg() {
			seenRegs |= 1 << uint(op.Reg)
		} else if n, ok := platform.SlotIndex(op); ok {
			seenSlots[n] = true
		}
	}

	regs := platform.AllocatableRegisters[:ra.maxRegs]
	ra.operands = make([]platform.Operand, ra.nextLoc)
	i, stackn := 0, 0
	for loc := 0; loc < ra.nextLoc; loc++ {
		if op, ok := ra.forceLocOperand[loc]; ok {
			ra.operands[loc] = op
			continue
		}
		for i < len(regs) && seenRegs&(1<<uint(regs[i])) != 0 {
			i++
		}
		if i < len(regs) {
			ra.operands[loc] = platform.Reg(regs[i])
			i++
			continue
		}
		for seenSlots[stackn] {
			stackn++
		}
		ra.operands[loc] = ra.frame.Slot(stackn)
		stackn++
	}
	ra.requiredDepth = stackn
}

// operand 值的操作数；没有位置（未被使用）时返回 false
func (ra *regAllocator) operand(v Value) (platform.Operand, bool) {
	if v.IsConst() {
		return platform.Imm(v.imm), true
	}
	loc, ok := ra.varLoc[v]
	if !ok {
		return platform.Operand{}, false
	}
	return ra.operands[loc], true
}

// mustOperand 活跃节点的操作数一定有位置
func (ra *regAllocator) mustOperand(v Value) platform.Operand {
	op, ok := ra.operand(v)
	if !ok {
		panic(fmt.Errorf("rgen: internal error: %s has no location", v))
	}
	return op
}

func (ra *regAllocator) operandsOf(vs []Value) []platform.Operand {
	ops := make([]platform.Operand, len(vs))
	for i, v := range vs {
		ops[i] = ra.mustOperand(v)
	}
	return ops
}

// estimateSize 块代码大小的上界
func (ra *regAllocator) estimateSize() int {
	const (
		maxOpBytes   = 64
		maxMoveBytes = 16
		overhead     = 64
	)
	return len(ra.ops)*maxOpBytes + len(ra.initialMoves)*maxMoveBytes + overhead
}

// ============================================================================
// 发射
// ============================================================================

// generateInitialMoves 扩展栈帧并执行块入口的输入重排
//
// 栈帧必须覆盖本块用到的最深栈槽（包括强制操作数和重排的源），
// 之后的 push 才不会覆盖其中的值。重排先全部 push 再逆序 pop，环也能正确处理。
func (ra *regAllocator) generateInitialMoves() {
	lastN := ra.requiredDepth - 1
	for _, op := range ra.forceLocOperand {
		if n, ok := platform.SlotIndex(op); ok && n > lastN {
			lastN = n
		}
	}
	for _, m := range ra.initialMoves {
		if n, ok := platform.SlotIndex(m.src); ok && n > lastN {
			lastN = n
		}
	}
	ra.frameDepth = lastN + 1
	if lastN >= 0 {
		mustEncode(ra.asm.LEA(opRSP, ra.frame.Slot(lastN)))
	}

	for _, m := range ra.initialMoves {
		if ra.operands[m.loc] != m.src {
			mustEncode(ra.asm.PUSH(m.src))
		}
	}
	for i := len(ra.initialMoves) - 1; i >= 0; i-- {
		m := ra.initialMoves[i]
		if ra.operands[m.loc] != m.src {
			mustEncode(ra.asm.POP(ra.operands[m.loc]))
		}
	}
}

// generateOperations 按序发射
//
// 同时作为机器字使用的比较结果在比较之后用 SETcc + MOVZX 写入其位置；
// 复制出的比较只重新设置标志位。
func (ra *regAllocator) generateOperations() {
	for i, v := range ra.ops {
		if !ra.keep[i] {
			continue
		}
		n := v.node()
		info := opTable[n.kind]
		info.generate(ra, v, n)
		if info.result != rkCC || ra.clone[i] {
			continue
		}
		dst, ok := ra.operand(v)
		if !ok {
			continue
		}
		mustEncode(ra.asm.SETcc(info.cc, opScratch))
		if !ra.asm.MOVZX(dst, opScratch).OK() {
			mustEncode(ra.asm.MOVZX(opScratch, opScratch))
			mustEncode(ra.asm.MOV(dst, opScratch))
		}
	}
}
