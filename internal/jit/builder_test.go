package jit

import (
	"errors"
	"testing"
	"unsafe"

	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/rgen/internal/jit/platform"
)

func newTestContext(t *testing.T, cfg *Config) *Context {
	t.Helper()
	ctx, err := NewContext(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() {
		if err := ctx.CheckNoOpenBlocks(); err != nil {
			t.Errorf("CheckNoOpenBlocks: %v", err)
		}
		if err := ctx.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return ctx
}

// blockMnemonics 反汇编构建器发射的所有代码
func blockMnemonics(t *testing.T, ctx *Context, name string) []string {
	t.Helper()
	var ops []string
	found := false
	for _, r := range ctx.pool.Regions() {
		if r.Name != name {
			continue
		}
		found = true
		code, err := ctx.pool.Code(r)
		if err != nil {
			t.Fatalf("code of %s: %v", name, err)
		}
		insts, err := platform.Decode(code)
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		ops = append(ops, platform.Mnemonics(insts)...)
	}
	if !found {
		t.Fatalf("no code emitted for %s", name)
	}
	return ops
}

func count(ops []string, op string) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func expectPanic(t *testing.T, sentinel error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, sentinel) {
			t.Errorf("expected panic wrapping %v, got %v", sentinel, r)
		}
	}()
	fn()
}

// TestDeadCodeElimination 测试结果未被使用的操作不发射任何指令
func TestDeadCodeElimination(t *testing.T) {
	ctx := newTestContext(t, nil)
	b, _, args, err := ctx.NewGraph("dce", 2)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	sum := b.GenOp2("int_add", args[0], args[1])
	_ = b.GenOp2("int_mul", sum, args[1])
	_ = b.GenOp2("int_lt", sum, args[0])
	if err := b.FinishAndReturn(args[0]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}

	ops := blockMnemonics(t, ctx, b.Name())
	t.Logf("code: %v", ops)
	for _, op := range []string{"add", "imul", "cmp"} {
		if count(ops, op) != 0 {
			t.Errorf("dead %s was emitted: %v", op, ops)
		}
	}
	if st := ctx.Stats(); st.DeadOperations != 3 {
		t.Errorf("dead operations = %d, want 3", st.DeadOperations)
	}
}

// TestConditionCodeNoDuplicate 测试直接被跳转使用的比较只发射一次
func TestConditionCodeNoDuplicate(t *testing.T) {
	ctx := newTestContext(t, nil)
	b, _, args, err := ctx.NewGraph("cc", 2)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	c := b.GenOp2("int_gt", args[0], args[1])
	then := b.JumpIfTrue(c, []Value{args[0]})
	if err := b.FinishAndReturn(args[1]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}
	then.StartWriting()
	if err := then.FinishAndReturn(args[0]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}

	ops := blockMnemonics(t, ctx, b.Name())
	if count(ops, "cmp") != 1 || count(ops, "jg") != 1 {
		t.Errorf("expected one cmp and one jg, got %v", ops)
	}
	if st := ctx.Stats(); st.CCClones != 0 {
		t.Errorf("unexpected condition code clones: %d", st.CCClones)
	}
}

// TestConditionCodeClone 测试被破坏标志位的指令隔开的比较在跳转前重新计算
func TestConditionCodeClone(t *testing.T) {
	ctx := newTestContext(t, nil)
	b, _, args, err := ctx.NewGraph("clone", 2)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	c := b.GenOp2("int_gt", args[0], args[1])
	sum := b.GenOp2("int_add", args[0], args[1])
	then := b.JumpIfTrue(c, []Value{sum})
	if err := b.FinishAndReturn(args[0]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}
	then.StartWriting()
	if err := then.FinishAndReturn(then.InputArgs()[0]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}

	ops := blockMnemonics(t, ctx, b.Name())
	t.Logf("code: %v", ops)
	add, cmp, jg := indexOf(ops, "add"), indexOf(ops, "cmp"), indexOf(ops, "jg")
	if add < 0 || cmp < 0 || jg < 0 {
		t.Fatalf("missing instructions in %v", ops)
	}
	if !(add < cmp && cmp < jg) {
		t.Errorf("comparison must be recomputed between add and jg: %v", ops)
	}
	if count(ops, "cmp") != 1 {
		t.Errorf("the original comparison is dead and must not be emitted: %v", ops)
	}
	if st := ctx.Stats(); st.CCClones != 1 {
		t.Errorf("cc clones = %d, want 1", st.CCClones)
	}
}

// TestConditionAsWord 测试同时作为机器字使用的比较结果
func TestConditionAsWord(t *testing.T) {
	ctx := newTestContext(t, nil)
	b, _, args, err := ctx.NewGraph("word", 2)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	c := b.GenOp2("int_eq", args[0], args[1])
	if err := b.FinishAndReturn(b.GenOp1("cast_bool_to_int", c)); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}
	ops := blockMnemonics(t, ctx, b.Name())
	if count(ops, "sete") != 1 || count(ops, "movzx") != 1 {
		t.Errorf("expected sete + movzx, got %v", ops)
	}
}

// TestPauseDistinctOperands 测试暂停时所有活跃值位于互不相同的操作数
func TestPauseDistinctOperands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRegisters = 3
	ctx := newTestContext(t, cfg)
	b, _, args, err := ctx.NewGraph("live", 2)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	var vals []Value
	x := args[0]
	for i := 0; i < 8; i++ {
		x = b.GenOp2("int_add", x, args[1])
		vals = append(vals, x)
	}
	alive := append(append([]Value(nil), vals...), vals[0], IntConst(42))
	if _, err := b.PauseWriting(alive); err != nil {
		t.Fatalf("PauseWriting: %v", err)
	}

	if got := b.InputArgs(); len(got) != len(vals) {
		t.Fatalf("expected %d deduplicated inputs, got %d", len(vals), len(got))
	}
	seen := map[platform.Operand]int{}
	for i, op := range b.inputOperands {
		if b.inputArgs[i] != vals[i] {
			t.Errorf("input %d is %s, want %s", i, b.inputArgs[i], vals[i])
		}
		if j, dup := seen[op]; dup {
			t.Errorf("values %d and %d share operand %s", j, i, op)
		}
		seen[op] = i
	}
	t.Logf("operands: %v", b.inputOperands)

	b.StartWriting()
	if err := b.FinishAndReturn(vals[7]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}
	if st := ctx.Stats(); st.Pool.ElidedJumps != 2 {
		t.Errorf("elided jumps = %d, want 2", st.Pool.ElidedJumps)
	}
}

// TestOperationLookup 测试按名字查找操作
func TestOperationLookup(t *testing.T) {
	ctx := newTestContext(t, nil)
	b, _, args, err := ctx.NewGraph("lookup", 1)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	if v := b.GenOp1("cast_int_to_ptr", args[0]); v != args[0] {
		t.Errorf("identity cast must return its argument, got %s", v)
	}
	if kind, _, ok := LookupOp("int_floordiv"); !ok || kind != OpIntFloorDiv {
		t.Errorf("LookupOp(int_floordiv) = %s, %v", kind, ok)
	}
	expectPanic(t, ErrUnknownOperation, func() { b.GenOp1("int_frobnicate", args[0]) })
	expectPanic(t, ErrUnknownOperation, func() { b.Op1(OpIntAdd, args[0]) })
	expectPanic(t, ErrUnimplemented, func() { b.GenOp2("float_add", args[0], args[0]) })
	expectPanic(t, ErrUnimplemented, func() { b.GenOp1("cast_int_to_float", args[0]) })

	if err := b.FinishAndReturn(args[0]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}
	expectPanic(t, ErrNoOpenBlock, func() { b.GenOp1("int_neg", args[0]) })
}

// TestContractViolations 测试调用方违反约定时立即报告
func TestContractViolations(t *testing.T) {
	ctx := newTestContext(t, nil)
	b, _, args, err := ctx.NewGraph("contract", 2)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	c := b.GenOp2("int_lt", args[0], args[1])
	then := b.JumpIfTrue(c, nil)
	expectPanic(t, ErrLabelNotPlaced, func() { _ = b.FinishAndGoto(nil, &Label{}) })
	if err := b.FinishAndReturn(args[0]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}

	// args[1] 没有传给目标块
	then.StartWriting()
	expectPanic(t, ErrValueNotInBlock, func() { _ = then.FinishAndReturn(args[1]) })

	other, _, otherArgs, err := ctx.NewGraph("other", 1)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	expectPanic(t, ErrValueNotInBlock, func() { other.GenOp2("int_add", otherArgs[0], args[0]) })
	expectPanic(t, ErrValueNotInBlock, func() { other.GenOp1("int_neg", Value{}) })
	if err := other.FinishAndReturn(otherArgs[0]); err != nil {
		t.Fatalf("FinishAndReturn: %v", err)
	}
}

// TestConstants 测试常量
func TestConstants(t *testing.T) {
	ctx := newTestContext(t, nil)
	if v := ctx.GenConst(-5); !v.IsConst() || v.RevealInt() != -5 {
		t.Errorf("GenConst: %s", v)
	}
	if v := ctx.GenAddrConst(0x1000); v.RevealAddr() != 0x1000 {
		t.Errorf("GenAddrConst: %s", v)
	}
	obj := new(int64)
	if v := ctx.GenPtrConst(unsafe.Pointer(obj)); v.RevealAddr() == 0 || len(ctx.keepalive) != 1 {
		t.Errorf("GenPtrConst: %s", v)
	}
	expectPanicAny(t, func() { _ = Value{}.RevealInt() })

	_, entry, _, err := ctx.NewGraph("noop", 0)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	if name, ok := ctx.Lookup(entry.RevealAddr()); !ok || name != "noop/entry" {
		t.Errorf("Lookup(entry) = %q, %v", name, ok)
	}
}

func expectPanicAny(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Error("expected a panic")
		}
	}()
	fn()
}
