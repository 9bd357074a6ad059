// operand.go - 机器操作数模型
//
// 操作数是值在机器层面的具体位置：
// - 通用寄存器
// - 以帧指针 RBP 为基址的栈槽 / 内存
// - 立即数
//
// Operand 是可比较的值类型，两个操作数指向同一寄存器或同一栈偏移时相等。

package platform

import "fmt"

// WordSize 机器字长（字节）
const WordSize = 8

// X64Register x86-64 寄存器
type X64Register int

const (
	RegRAX X64Register = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String 返回寄存器名称
func (r X64Register) String() string {
	if r >= 0 && int(r) < len(regNames) {
		return regNames[r]
	}
	return "???"
}

// extended 是否需要 REX 扩展位
func (r X64Register) extended() bool {
	return r >= RegR8 && r <= RegR15
}

// low 寄存器编码的低 3 位
func (r X64Register) low() byte {
	return byte(r) & 0x7
}

// AllocatableRegisters 可分配的通用寄存器（按分配顺序）
//
// RCX 保留为工作寄存器（CL 用于 SETcc），R11 保留给编码失败时的回退，
// RSP/RBP 是栈和帧指针，R14/R15 属于 Go 运行时。
var AllocatableRegisters = []X64Register{
	RegRAX, RegRDX, RegRBX, RegRSI, RegRDI,
	RegR8, RegR9, RegR10, RegR12, RegR13,
}

// ScratchRegister 工作寄存器
const ScratchRegister = RegRCX

// FallbackRegister 编码回退寄存器
const FallbackRegister = RegR11

// OperandKind 操作数种类
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindReg              // 寄存器
	KindMem              // [base + disp]
	KindImm              // 立即数
)

// Operand 具体的机器操作数
type Operand struct {
	Kind OperandKind
	Reg  X64Register // 寄存器，或内存操作数的基址寄存器
	Disp int32       // 内存位移
	Imm  int64       // 立即数
}

// Reg 寄存器操作数
func Reg(r X64Register) Operand {
	return Operand{Kind: KindReg, Reg: r}
}

// Mem 内存操作数 [base + disp]
func Mem(base X64Register, disp int32) Operand {
	return Operand{Kind: KindMem, Reg: base, Disp: disp}
}

// Imm 立即数操作数
func Imm(v int64) Operand {
	return Operand{Kind: KindImm, Imm: v}
}

// IsReg 是否是寄存器
func (o Operand) IsReg() bool { return o.Kind == KindReg }

// IsMem 是否是内存
func (o Operand) IsMem() bool { return o.Kind == KindMem }

// IsImm 是否是立即数
func (o Operand) IsImm() bool { return o.Kind == KindImm }

// Is 是否是指定寄存器
func (o Operand) Is(r X64Register) bool {
	return o.Kind == KindReg && o.Reg == r
}

// String 返回 Intel 语法的操作数
func (o Operand) String() string {
	switch o.Kind {
	case KindReg:
		return o.Reg.String()
	case KindMem:
		if o.Disp < 0 {
			return fmt.Sprintf("[%s-%d]", o.Reg, -int64(o.Disp))
		}
		return fmt.Sprintf("[%s+%d]", o.Reg, o.Disp)
	case KindImm:
		return fmt.Sprintf("$%d", o.Imm)
	}
	return "<none>"
}

func fitsInt8(v int64) bool  { return v >= -128 && v <= 127 }
func fitsInt32(v int64) bool { return v >= -1<<31 && v <= 1<<31-1 }

// ============================================================================
// 栈帧
// ============================================================================

// 帧布局（相对 RBP）：
//
//	[rbp+16+8*i]  第 i 个参数
//	[rbp+8]       返回地址
//	[rbp]         保存的 rbp
//	[rbp-8..-24]  保存的 rbx, r12, r13
//	[rbp-32-8*n]  第 n 个栈槽
const (
	initialStackSlotWords = -4
	firstArgWords         = 2
	// SavedRegisters 序言中保存的被调用者保存寄存器
	SavedRegisters = 3
)

// StackFrame 栈槽操作数缓存
//
// 栈槽按索引单调增长，已创建的操作数被缓存复用。
type StackFrame struct {
	slots []Operand
}

// Slot 返回第 n 个栈槽
func (f *StackFrame) Slot(n int) Operand {
	if n < 0 {
		panic(fmt.Sprintf("platform: negative stack slot %d", n))
	}
	for len(f.slots) <= n {
		disp := WordSize * (initialStackSlotWords - len(f.slots))
		f.slots = append(f.slots, Mem(RegRBP, int32(disp)))
	}
	return f.slots[n]
}

// SlotIndex 反查栈槽索引；不是栈槽时返回 false
func SlotIndex(op Operand) (int, bool) {
	if op.Kind != KindMem || op.Reg != RegRBP || op.Disp%WordSize != 0 {
		return 0, false
	}
	n := initialStackSlotWords - int(op.Disp)/WordSize
	if n < 0 {
		return 0, false
	}
	return n, true
}

// ArgOperand 第 i 个传入参数的位置
func ArgOperand(i int) Operand {
	return Mem(RegRBP, int32(WordSize*(firstArgWords+i)))
}
