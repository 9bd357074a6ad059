// ops_gen.go - 指令选择
//
// 每个 generate 例程在位置已映射到具体操作数之后发射机器指令。
// 结果从未被使用的节点没有位置，generate 直接返回。
//
// x86 的大多数二元指令是破坏性的两操作数形式 (dst = dst OP src)，
// 且不能同时使用两个内存操作数或 64 位立即数，因此这里按目标与源
// 操作数的别名关系选择指令序列，编码失败时经由回退寄存器重试。

package jit

import (
	"fmt"

	"github.com/tangzhangming/rgen/internal/jit/platform"
)

var (
	opRAX      = platform.Reg(platform.RegRAX)
	opRDX      = platform.Reg(platform.RegRDX)
	opRBX      = platform.Reg(platform.RegRBX)
	opRSP      = platform.Reg(platform.RegRSP)
	opRBP      = platform.Reg(platform.RegRBP)
	opR12      = platform.Reg(platform.RegR12)
	opR13      = platform.Reg(platform.RegR13)
	opScratch  = platform.Reg(platform.ScratchRegister)
	opFallback = platform.Reg(platform.FallbackRegister)
)

// mustEncode 编码失败说明指令选择本身有误
func mustEncode(st platform.Status) {
	if !st.OK() {
		panic(fmt.Errorf("rgen: internal error: instruction not encodable after fallback"))
	}
}

// move dst <- src，不修改 RCX
func (ra *regAllocator) move(dst, src platform.Operand) {
	if dst == src {
		return
	}
	if ra.asm.MOV(dst, src).OK() {
		return
	}
	// mem <- mem 或 mem <- imm64
	mustEncode(ra.asm.MOV(opFallback, src))
	mustEncode(ra.asm.MOV(dst, opFallback))
}

// alu dst = dst OP src
func (ra *regAllocator) alu(info *opInfo, dst, src platform.Operand) {
	if info.emit(ra.asm, dst, src).OK() {
		return
	}
	ra.move(opFallback, src)
	mustEncode(info.emit(ra.asm, dst, opFallback))
}

// cmp 比较 x 与 y，x 可以是立即数
func (ra *regAllocator) cmp(x, y platform.Operand) {
	if ra.asm.CMP(x, y).OK() {
		return
	}
	if !x.IsReg() {
		ra.move(opFallback, x)
		x = opFallback
		if ra.asm.CMP(x, y).OK() {
			return
		}
	}
	ra.move(opScratch, y)
	mustEncode(ra.asm.CMP(x, opScratch))
}

func genNothing(ra *regAllocator, v Value, n *node) {}

// genSameAs 复制
func genSameAs(ra *regAllocator, v Value, n *node) {
	dst, ok := ra.operand(v)
	if !ok {
		return
	}
	ra.move(dst, ra.mustOperand(n.x))
}

// genNeg dst = -x
func genNeg(ra *regAllocator, v Value, n *node) {
	dst, ok := ra.operand(v)
	if !ok {
		return
	}
	ra.move(dst, ra.mustOperand(n.x))
	mustEncode(ra.asm.NEG(dst))
}

// genCompare1 x != 0
func genCompare1(ra *regAllocator, v Value, n *node) {
	ra.cmp(ra.mustOperand(n.x), platform.Imm(0))
}

// genCompare2 比较 x 与 y
func genCompare2(ra *regAllocator, v Value, n *node) {
	ra.cmp(ra.mustOperand(n.x), ra.mustOperand(n.y))
}

// genBinary 加减法
func genBinary(ra *regAllocator, v Value, n *node) {
	dst, ok := ra.operand(v)
	if !ok {
		return
	}
	info := opTable[n.kind]
	op1, op2 := ra.mustOperand(n.x), ra.mustOperand(n.y)

	// dst、op1、op2 可能互为别名，也可能是寄存器、栈槽或立即数
	var c int
	switch {
	case dst == op1:
		c = 1
	case info.commutative && dst == op2:
		op1, op2 = op2, op1
		c = 1
	case dst.IsReg():
		if dst != op2 {
			c = 2 // REG = op1 OP op2，op2 不是 REG
		} else {
			c = 3 // REG = op1 OP REG
		}
	case op1.IsReg() && op2.IsReg():
		c = 2 // STACK = REG OP REG
	default:
		c = 3
	}

	switch c {
	case 1:
		ra.alu(info, op1, op2)
	case 2:
		ra.move(dst, op1)
		ra.alu(info, dst, op2)
	default:
		ra.move(opScratch, op1)
		ra.alu(info, opScratch, op2)
		ra.move(dst, opScratch)
	}
}

// imul dst(寄存器) *= src
func (ra *regAllocator) imul(dst, src platform.Operand) {
	if ra.asm.IMUL(dst, src).OK() {
		return
	}
	ra.move(opFallback, src)
	mustEncode(ra.asm.IMUL(dst, opFallback))
}

// genMul 乘法，结果先算到 dst（寄存器时）或 RCX
func genMul(ra *regAllocator, v Value, n *node) {
	dst, ok := ra.operand(v)
	if !ok {
		return
	}
	op1, op2 := ra.mustOperand(n.x), ra.mustOperand(n.y)
	tmp := dst
	if !dst.IsReg() {
		tmp = opScratch
	}
	switch {
	case tmp == op1:
		ra.imul(tmp, op2)
	case op2.IsImm() && ra.asm.IMUL3(tmp, op1, op2).OK():
	case op1.IsImm() && ra.asm.IMUL3(tmp, op2, op1).OK():
	default:
		ra.move(tmp, op2)
		ra.imul(tmp, op1)
	}
	ra.move(dst, tmp)
}

// genDivMod 有符号除法与取模
//
// 被除数在 RDX:RAX，商在 RAX，余数在 RDX。除 dst 之外的 RAX/RDX 在前后保存恢复。
// 除数是立即数或者就在 RAX/RDX 中时先移到 RCX，避免被被除数覆盖。
// 语义与 idiv 一致：向零截断，余数与被除数同号。
func genDivMod(ra *regAllocator, v Value, n *node) {
	dst, ok := ra.operand(v)
	if !ok {
		return
	}
	op1, op2 := ra.mustOperand(n.x), ra.mustOperand(n.y)
	result := opRAX
	if n.kind == OpIntMod {
		result = opRDX
	}

	divisor := op2
	if op2.IsImm() || op2 == opRAX || op2 == opRDX {
		ra.move(opScratch, op2)
		divisor = opScratch
	}
	saveRAX, saveRDX := dst != opRAX, dst != opRDX
	if saveRAX {
		mustEncode(ra.asm.PUSH(opRAX))
	}
	if saveRDX {
		mustEncode(ra.asm.PUSH(opRDX))
	}
	ra.move(opRAX, op1)
	ra.asm.CQO()
	mustEncode(ra.asm.IDIV(divisor))
	ra.move(dst, result)
	if saveRDX {
		mustEncode(ra.asm.POP(opRDX))
	}
	if saveRAX {
		mustEncode(ra.asm.POP(opRAX))
	}
}

// genJumpIf 条件跳转到尚未发射的目标块
func genJumpIf(ra *regAllocator, v Value, n *node) {
	cc := opTable[n.x.Op()].cc
	if n.negate {
		cc = cc.Negate()
	}
	target := n.target
	target.setComingFrom(ra.asm, cc)
	target.inputOperands = ra.operandsOf(target.inputArgs)
}

// genLabel 放置标签
func genLabel(ra *regAllocator, v Value, n *node) {
	lbl := n.label
	lbl.targetAddr = ra.asm.Tell()
	lbl.inputOperands = ra.operandsOf(n.args)
	lbl.frameDepth = ra.frameDepth
	lbl.placed = true
}
