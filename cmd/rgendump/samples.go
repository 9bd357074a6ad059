package main

import (
	"github.com/tangzhangming/rgen/internal/jit"
)

// sample 内置示例函数
type sample struct {
	args  int
	desc  string
	build func(ctx *jit.Context) (jit.Value, error)
}

var samples = map[string]sample{
	"add": {2, "x + y", binary("int_add")},
	"mul": {2, "x * y", binary("int_mul")},
	"div": {2, "x / y（向零截断）", binary("int_floordiv")},
	"mod": {2, "x % y", binary("int_mod")},
	"lt":  {2, "x < y", binary("int_lt")},
	"max": {2, "x > y ? x : y", buildMax},
	"sum": {1, "n + (n-1) + ... + 1", buildSum},
	"fac": {1, "n!", buildFactorial},
}

func binary(op string) func(ctx *jit.Context) (jit.Value, error) {
	return func(ctx *jit.Context) (jit.Value, error) {
		b, entry, args, err := ctx.NewGraph(op, 2)
		if err != nil {
			return jit.Value{}, err
		}
		return entry, b.FinishAndReturn(b.GenOp2(op, args[0], args[1]))
	}
}

func buildMax(ctx *jit.Context) (jit.Value, error) {
	b, entry, args, err := ctx.NewGraph("max", 2)
	if err != nil {
		return jit.Value{}, err
	}
	x, y := args[0], args[1]
	then := b.JumpIfTrue(b.GenOp2("int_gt", x, y), []jit.Value{x})
	if err := b.FinishAndReturn(y); err != nil {
		return jit.Value{}, err
	}
	then.StartWriting()
	if err := then.FinishAndReturn(x); err != nil {
		return jit.Value{}, err
	}
	then.End()
	return entry, nil
}

// loop 生成 acc = init; while n > 0 { acc = acc OP n; n-- }; return acc
func loop(ctx *jit.Context, name, op string, init int64) (jit.Value, error) {
	b, entry, args, err := ctx.NewGraph(name, 1)
	if err != nil {
		return jit.Value{}, err
	}
	lbl, vals := b.EnterNextBlock([]jit.Value{args[0], ctx.GenConst(init)})
	n, acc := vals[0], vals[1]
	body := b.JumpIfTrue(b.GenOp2("int_gt", n, ctx.GenConst(0)), []jit.Value{n, acc})
	if err := b.FinishAndReturn(acc); err != nil {
		return jit.Value{}, err
	}

	body.StartWriting()
	next := body.GenOp2("int_sub", n, ctx.GenConst(1))
	acc = body.GenOp2(op, acc, n)
	if err := body.FinishAndGoto([]jit.Value{next, acc}, lbl); err != nil {
		return jit.Value{}, err
	}
	return entry, nil
}

func buildSum(ctx *jit.Context) (jit.Value, error) {
	return loop(ctx, "sum", "int_add", 0)
}

func buildFactorial(ctx *jit.Context) (jit.Value, error) {
	return loop(ctx, "fac", "int_mul", 1)
}
