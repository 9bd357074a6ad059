// x86_64_asm.go - x86-64 指令编码器
//
// 编码格式：[REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// 每个指令方法返回 Status：目标格式无法表达给定的操作数组合时返回
// Unsupported，且此时不写入任何字节，调用方可以改用临时寄存器重试。

package platform

import (
	"encoding/binary"
	"fmt"
)

// CodeSink 机器码输出目标
type CodeSink interface {
	// Tell 返回下一个字节将要写入的绝对地址
	Tell() uintptr
	// Emit 追加字节
	Emit(b ...byte)
}

// Status 编码结果
type Status uint8

const (
	Encoded     Status = iota // 已写入
	Unsupported               // 操作数组合不可编码
)

// OK 是否编码成功
func (s Status) OK() bool { return s == Encoded }

func (s Status) String() string {
	if s == Encoded {
		return "encoded"
	}
	return "unsupported"
}

// X64Assembler x86-64 汇编器
type X64Assembler struct {
	sink CodeSink
	buf  [16]byte
}

// NewX64Assembler 创建写入 sink 的汇编器
func NewX64Assembler(sink CodeSink) *X64Assembler {
	return &X64Assembler{sink: sink}
}

// Tell 当前写入地址
func (a *X64Assembler) Tell() uintptr {
	return a.sink.Tell()
}

// rex REX 前缀
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm ModR/M 字节
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// encodeRM 组装一条带 ModR/M 的指令
//
// reg 是 ModR/M.reg 字段（寄存器编号或操作码扩展），rm 必须是寄存器或内存。
// 内存操作数总是带位移编码，避开 RBP/R13 的 mod=00 特例。
func (a *X64Assembler) encodeRM(w bool, opcode []byte, reg byte, rm Operand, imm []byte) {
	b := a.buf[:0]
	p := rex(w, reg >= 8, false, rm.Reg.extended())
	if p != 0x40 {
		b = append(b, p)
	}
	b = append(b, opcode...)
	switch rm.Kind {
	case KindReg:
		b = append(b, modrm(3, reg, rm.Reg.low()))
	case KindMem:
		mod := byte(2)
		if fitsInt8(int64(rm.Disp)) {
			mod = 1
		}
		b = append(b, modrm(mod, reg, rm.Reg.low()))
		if rm.Reg.low() == 4 {
			b = append(b, 0x24) // SIB: base=rsp/r12, 无索引
		}
		if mod == 1 {
			b = append(b, byte(int8(rm.Disp)))
		} else {
			b = binary.LittleEndian.AppendUint32(b, uint32(rm.Disp))
		}
	default:
		panic(fmt.Sprintf("platform: operand %s is not register or memory", rm))
	}
	b = append(b, imm...)
	a.sink.Emit(b...)
}

func imm8(v int64) []byte { return []byte{byte(int8(v))} }

func imm32(v int64) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(int32(v)))
}

func isRM(o Operand) bool { return o.Kind == KindReg || o.Kind == KindMem }

// ============================================================================
// 数据移动
// ============================================================================

// MOV dst, src
func (a *X64Assembler) MOV(dst, src Operand) Status {
	switch {
	case dst.IsReg() && src.IsReg():
		a.encodeRM(true, []byte{0x89}, byte(src.Reg), dst, nil)
	case dst.IsReg() && src.IsMem():
		a.encodeRM(true, []byte{0x8B}, byte(dst.Reg), src, nil)
	case dst.IsMem() && src.IsReg():
		a.encodeRM(true, []byte{0x89}, byte(src.Reg), dst, nil)
	case isRM(dst) && src.IsImm() && fitsInt32(src.Imm):
		a.encodeRM(true, []byte{0xC7}, 0, dst, imm32(src.Imm))
	case dst.IsReg() && src.IsImm():
		// movabs reg, imm64
		b := []byte{rex(true, false, false, dst.Reg.extended()), 0xB8 + dst.Reg.low()}
		b = binary.LittleEndian.AppendUint64(b, uint64(src.Imm))
		a.sink.Emit(b...)
	default:
		return Unsupported
	}
	return Encoded
}

// MOVZX dst, src8 （src 只能是 AL/CL/DL/BL）
func (a *X64Assembler) MOVZX(dst, src Operand) Status {
	if !dst.IsReg() || !src.IsReg() || src.Reg > RegRBX {
		return Unsupported
	}
	a.encodeRM(true, []byte{0x0F, 0xB6}, byte(dst.Reg), src, nil)
	return Encoded
}

// LEA dst, [mem]
func (a *X64Assembler) LEA(dst, src Operand) Status {
	if !dst.IsReg() || !src.IsMem() {
		return Unsupported
	}
	a.encodeRM(true, []byte{0x8D}, byte(dst.Reg), src, nil)
	return Encoded
}

// PUSH src
func (a *X64Assembler) PUSH(src Operand) Status {
	switch {
	case src.IsReg():
		if src.Reg.extended() {
			a.sink.Emit(rex(false, false, false, true), 0x50+src.Reg.low())
		} else {
			a.sink.Emit(0x50 + src.Reg.low())
		}
	case src.IsMem():
		a.encodeRM(false, []byte{0xFF}, 6, src, nil)
	case src.IsImm() && fitsInt8(src.Imm):
		a.sink.Emit(0x6A, byte(int8(src.Imm)))
	case src.IsImm() && fitsInt32(src.Imm):
		a.sink.Emit(append([]byte{0x68}, imm32(src.Imm)...)...)
	default:
		return Unsupported
	}
	return Encoded
}

// POP dst
func (a *X64Assembler) POP(dst Operand) Status {
	switch {
	case dst.IsReg():
		if dst.Reg.extended() {
			a.sink.Emit(rex(false, false, false, true), 0x58+dst.Reg.low())
		} else {
			a.sink.Emit(0x58 + dst.Reg.low())
		}
	case dst.IsMem():
		a.encodeRM(false, []byte{0x8F}, 0, dst, nil)
	default:
		return Unsupported
	}
	return Encoded
}

// ============================================================================
// 算术与比较
// ============================================================================

// 双操作数 ALU 指令的 /digit 扩展
const (
	aluAdd byte = 0
	aluSub byte = 5
	aluCmp byte = 7
)

// alu 编码 dst = dst OP src
func (a *X64Assembler) alu(ext byte, dst, src Operand) Status {
	base := ext << 3
	switch {
	case isRM(dst) && src.IsReg():
		a.encodeRM(true, []byte{base + 1}, byte(src.Reg), dst, nil)
	case dst.IsReg() && src.IsMem():
		a.encodeRM(true, []byte{base + 3}, byte(dst.Reg), src, nil)
	case isRM(dst) && src.IsImm() && fitsInt8(src.Imm):
		a.encodeRM(true, []byte{0x83}, ext, dst, imm8(src.Imm))
	case isRM(dst) && src.IsImm() && fitsInt32(src.Imm):
		a.encodeRM(true, []byte{0x81}, ext, dst, imm32(src.Imm))
	default:
		return Unsupported
	}
	return Encoded
}

// ADD dst, src
func (a *X64Assembler) ADD(dst, src Operand) Status { return a.alu(aluAdd, dst, src) }

// SUB dst, src
func (a *X64Assembler) SUB(dst, src Operand) Status { return a.alu(aluSub, dst, src) }

// CMP x, y
func (a *X64Assembler) CMP(x, y Operand) Status { return a.alu(aluCmp, x, y) }

// IMUL dst, src （dst 必须是寄存器）
func (a *X64Assembler) IMUL(dst, src Operand) Status {
	if !dst.IsReg() {
		return Unsupported
	}
	if src.IsImm() {
		return a.IMUL3(dst, dst, src)
	}
	a.encodeRM(true, []byte{0x0F, 0xAF}, byte(dst.Reg), src, nil)
	return Encoded
}

// IMUL3 dst = src * imm
func (a *X64Assembler) IMUL3(dst, src, imm Operand) Status {
	if !dst.IsReg() || !isRM(src) || !imm.IsImm() {
		return Unsupported
	}
	switch {
	case fitsInt8(imm.Imm):
		a.encodeRM(true, []byte{0x6B}, byte(dst.Reg), src, imm8(imm.Imm))
	case fitsInt32(imm.Imm):
		a.encodeRM(true, []byte{0x69}, byte(dst.Reg), src, imm32(imm.Imm))
	default:
		return Unsupported
	}
	return Encoded
}

// NEG op
func (a *X64Assembler) NEG(op Operand) Status {
	if !isRM(op) {
		return Unsupported
	}
	a.encodeRM(true, []byte{0xF7}, 3, op, nil)
	return Encoded
}

// IDIV op （RDX:RAX / op）
func (a *X64Assembler) IDIV(op Operand) Status {
	if !isRM(op) {
		return Unsupported
	}
	a.encodeRM(true, []byte{0xF7}, 7, op, nil)
	return Encoded
}

// CQO 符号扩展 RAX -> RDX:RAX
func (a *X64Assembler) CQO() {
	a.sink.Emit(0x48, 0x99)
}

// SETcc dst8 （dst 只能是 AL/CL/DL/BL）
func (a *X64Assembler) SETcc(cc Cond, dst Operand) Status {
	if cc >= CondAlways || !dst.IsReg() || dst.Reg > RegRBX {
		return Unsupported
	}
	a.encodeRM(false, []byte{0x0F, 0x90 + byte(cc)}, 0, dst, nil)
	return Encoded
}

// ============================================================================
// 控制流
// ============================================================================

// Jump 跳转到绝对地址 target（cc 为 CondAlways 时是 JMP）
//
// 偏移超出 rel32 范围时返回 Unsupported。
func (a *X64Assembler) Jump(cc Cond, target uintptr) Status {
	end := a.Tell() + uintptr(JumpSize(cc))
	rel := int64(target) - int64(end)
	if !fitsInt32(rel) {
		return Unsupported
	}
	a.emitJump(cc, int32(rel))
	return Encoded
}

// JumpPlaceholder 写入偏移为 0 的跳转，等待回填
func (a *X64Assembler) JumpPlaceholder(cc Cond) {
	a.emitJump(cc, 0)
}

func (a *X64Assembler) emitJump(cc Cond, rel int32) {
	var b []byte
	if cc == CondAlways {
		b = []byte{0xE9}
	} else {
		b = []byte{0x0F, 0x80 + byte(cc)}
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(rel))
	a.sink.Emit(b...)
}

// RET 返回
func (a *X64Assembler) RET() {
	a.sink.Emit(0xC3)
}

// INT3 断点
func (a *X64Assembler) INT3() {
	a.sink.Emit(0xCC)
}

// ============================================================================
// 内存缓冲
// ============================================================================

// Buffer 基于切片的 CodeSink，Base 是假定的装载地址
type Buffer struct {
	Base uintptr
	Code []byte
}

// Tell 实现 CodeSink
func (b *Buffer) Tell() uintptr { return b.Base + uintptr(len(b.Code)) }

// Emit 实现 CodeSink
func (b *Buffer) Emit(bs ...byte) { b.Code = append(b.Code, bs...) }
