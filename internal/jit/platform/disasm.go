package platform

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble 将机器码反汇编为 Intel 语法的列表，base 是 code[0] 的地址
func Disassemble(code []byte, base uintptr) []string {
	var lines []string
	for off := 0; off < len(code); {
		pc := uint64(base) + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%#x: %02x  (bad)", pc, code[off]))
			off++
			continue
		}
		raw := code[off : off+inst.Len]
		lines = append(lines, fmt.Sprintf("%#x: %-24x %s", pc, raw, x86asm.IntelSyntax(inst, pc, nil)))
		off += inst.Len
	}
	return lines
}

// Decode 解码整段机器码，遇到非法字节时返回错误
func Decode(code []byte) ([]x86asm.Inst, error) {
	var insts []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return insts, fmt.Errorf("decode at offset %d: %w", off, err)
		}
		insts = append(insts, inst)
		off += inst.Len
	}
	return insts, nil
}

// Mnemonics 返回指令助记符序列（小写），便于测试断言
func Mnemonics(insts []x86asm.Inst) []string {
	ops := make([]string, len(insts))
	for i, inst := range insts {
		ops[i] = strings.ToLower(inst.Op.String())
	}
	return ops
}
