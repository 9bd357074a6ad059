package platform

import (
	"bytes"
	"testing"
)

// TestEncodings 测试常用指令的编码
func TestEncodings(t *testing.T) {
	rax, rbx, rcx, rdx := Reg(RegRAX), Reg(RegRBX), Reg(RegRCX), Reg(RegRDX)
	slot0 := Mem(RegRBP, -32)

	tests := []struct {
		name string
		emit func(a *X64Assembler) Status
		want []byte
	}{
		{"mov rax, rbx", func(a *X64Assembler) Status { return a.MOV(rax, rbx) }, []byte{0x48, 0x89, 0xD8}},
		{"mov r8, [rbp-32]", func(a *X64Assembler) Status { return a.MOV(Reg(RegR8), slot0) }, []byte{0x4C, 0x8B, 0x45, 0xE0}},
		{"mov [rbp-32], rax", func(a *X64Assembler) Status { return a.MOV(slot0, rax) }, []byte{0x48, 0x89, 0x45, 0xE0}},
		{"mov rax, imm64", func(a *X64Assembler) Status { return a.MOV(rax, Imm(1<<40)) },
			[]byte{0x48, 0xB8, 0, 0, 0, 0, 0, 1, 0, 0}},
		{"mov [rbp-32], 5", func(a *X64Assembler) Status { return a.MOV(slot0, Imm(5)) },
			[]byte{0x48, 0xC7, 0x45, 0xE0, 5, 0, 0, 0}},
		{"mov rax, [r12+8]", func(a *X64Assembler) Status { return a.MOV(rax, Mem(RegR12, 8)) },
			[]byte{0x49, 0x8B, 0x44, 0x24, 0x08}},
		{"add rax, 1", func(a *X64Assembler) Status { return a.ADD(rax, Imm(1)) }, []byte{0x48, 0x83, 0xC0, 0x01}},
		{"add rax, 0x12345", func(a *X64Assembler) Status { return a.ADD(rax, Imm(0x12345)) },
			[]byte{0x48, 0x81, 0xC0, 0x45, 0x23, 0x01, 0x00}},
		{"sub rdx, rbx", func(a *X64Assembler) Status { return a.SUB(rdx, rbx) }, []byte{0x48, 0x29, 0xDA}},
		{"cmp rax, [rbp+16]", func(a *X64Assembler) Status { return a.CMP(rax, ArgOperand(0)) },
			[]byte{0x48, 0x3B, 0x45, 0x10}},
		{"push r12", func(a *X64Assembler) Status { return a.PUSH(Reg(RegR12)) }, []byte{0x41, 0x54}},
		{"push [rbp-32]", func(a *X64Assembler) Status { return a.PUSH(slot0) }, []byte{0xFF, 0x75, 0xE0}},
		{"pop r13", func(a *X64Assembler) Status { return a.POP(Reg(RegR13)) }, []byte{0x41, 0x5D}},
		{"lea rsp, [rbp-24]", func(a *X64Assembler) Status { return a.LEA(Reg(RegRSP), Mem(RegRBP, -24)) },
			[]byte{0x48, 0x8D, 0x65, 0xE8}},
		{"setg cl", func(a *X64Assembler) Status { return a.SETcc(CondG, rcx) }, []byte{0x0F, 0x9F, 0xC1}},
		{"movzx rax, cl", func(a *X64Assembler) Status { return a.MOVZX(rax, rcx) }, []byte{0x48, 0x0F, 0xB6, 0xC1}},
		{"imul rax, rbx", func(a *X64Assembler) Status { return a.IMUL(rax, rbx) }, []byte{0x48, 0x0F, 0xAF, 0xC3}},
		{"imul rdx, [rbp+16], 7", func(a *X64Assembler) Status { return a.IMUL3(rdx, ArgOperand(0), Imm(7)) },
			[]byte{0x48, 0x6B, 0x55, 0x10, 0x07}},
		{"idiv rcx", func(a *X64Assembler) Status { return a.IDIV(rcx) }, []byte{0x48, 0xF7, 0xF9}},
		{"neg [rbp-32]", func(a *X64Assembler) Status { return a.NEG(slot0) }, []byte{0x48, 0xF7, 0x5D, 0xE0}},
	}

	for _, tt := range tests {
		buf := &Buffer{Base: 0x1000}
		a := NewX64Assembler(buf)
		if st := tt.emit(a); st != Encoded {
			t.Errorf("%s: status %s", tt.name, st)
			continue
		}
		if !bytes.Equal(buf.Code, tt.want) {
			t.Errorf("%s: got % X, want % X", tt.name, buf.Code, tt.want)
		}
	}
}

// TestUnsupportedCombinations 测试不可编码的组合不写入任何字节
func TestUnsupportedCombinations(t *testing.T) {
	slot0, slot1 := Mem(RegRBP, -32), Mem(RegRBP, -40)
	wide := Imm(1 << 40)

	cases := map[string]func(a *X64Assembler) Status{
		"mov mem, mem":     func(a *X64Assembler) Status { return a.MOV(slot0, slot1) },
		"mov mem, imm64":   func(a *X64Assembler) Status { return a.MOV(slot0, wide) },
		"add mem, mem":     func(a *X64Assembler) Status { return a.ADD(slot0, slot1) },
		"add reg, imm64":   func(a *X64Assembler) Status { return a.ADD(Reg(RegRAX), wide) },
		"cmp imm, reg":     func(a *X64Assembler) Status { return a.CMP(Imm(3), Reg(RegRAX)) },
		"imul mem, reg":    func(a *X64Assembler) Status { return a.IMUL(slot0, Reg(RegRAX)) },
		"imul3 imm64":      func(a *X64Assembler) Status { return a.IMUL3(Reg(RegRAX), slot0, wide) },
		"idiv imm":         func(a *X64Assembler) Status { return a.IDIV(Imm(2)) },
		"movzx mem, cl":    func(a *X64Assembler) Status { return a.MOVZX(slot0, Reg(RegRCX)) },
		"setcc sil":        func(a *X64Assembler) Status { return a.SETcc(CondE, Reg(RegRSI)) },
		"push imm64":       func(a *X64Assembler) Status { return a.PUSH(wide) },
		"pop imm":          func(a *X64Assembler) Status { return a.POP(Imm(1)) },
		"neg imm":          func(a *X64Assembler) Status { return a.NEG(Imm(1)) },
		"jmp beyond rel32": func(a *X64Assembler) Status { return a.Jump(CondAlways, 1<<40) },
	}

	for name, emit := range cases {
		buf := &Buffer{Base: 0x1000}
		if st := emit(NewX64Assembler(buf)); st != Unsupported {
			t.Errorf("%s: expected unsupported, got %s", name, st)
		}
		if len(buf.Code) != 0 {
			t.Errorf("%s: wrote % X on failure", name, buf.Code)
		}
	}
}

// TestJumps 测试跳转偏移计算
func TestJumps(t *testing.T) {
	buf := &Buffer{Base: 0x1000}
	a := NewX64Assembler(buf)
	a.Jump(CondG, 0x1000)
	a.Jump(CondAlways, 0x2000)
	a.JumpPlaceholder(CondNE)

	want := []byte{
		0x0F, 0x8F, 0xFA, 0xFF, 0xFF, 0xFF, // jg 0x1000
		0xE9, 0xF5, 0x0F, 0x00, 0x00, // jmp 0x2000
		0x0F, 0x85, 0x00, 0x00, 0x00, 0x00, // jne +0
	}
	if !bytes.Equal(buf.Code, want) {
		t.Errorf("got % X, want % X", buf.Code, want)
	}

	insts, err := Decode(buf.Code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ops := Mnemonics(insts)
	if len(ops) != 3 || ops[0] != "jg" || ops[1] != "jmp" || ops[2] != "jne" {
		t.Errorf("unexpected mnemonics %v", ops)
	}
}

// TestCondNegate 测试条件取反
func TestCondNegate(t *testing.T) {
	pairs := [][2]Cond{{CondL, CondGE}, {CondLE, CondG}, {CondE, CondNE}, {CondB, CondAE}}
	for _, p := range pairs {
		if p[0].Negate() != p[1] || p[1].Negate() != p[0] {
			t.Errorf("negate %s <-> %s broken", p[0], p[1])
		}
	}
	if JumpSize(CondAlways) != 5 || JumpSize(CondE) != 6 {
		t.Error("unexpected jump sizes")
	}
}

// TestStackFrame 测试栈槽缓存与反查
func TestStackFrame(t *testing.T) {
	var f StackFrame
	if got := f.Slot(0); got != Mem(RegRBP, -32) {
		t.Errorf("slot 0 = %s", got)
	}
	if got := f.Slot(2); got != Mem(RegRBP, -48) {
		t.Errorf("slot 2 = %s", got)
	}
	for n := 0; n < 5; n++ {
		if idx, ok := SlotIndex(f.Slot(n)); !ok || idx != n {
			t.Errorf("SlotIndex(slot %d) = %d, %v", n, idx, ok)
		}
	}
	if _, ok := SlotIndex(ArgOperand(0)); ok {
		t.Error("argument operand reported as stack slot")
	}
	if _, ok := SlotIndex(Reg(RegRAX)); ok {
		t.Error("register reported as stack slot")
	}
	if f.Slot(1) != f.Slot(1) {
		t.Error("operands must compare equal")
	}
}
