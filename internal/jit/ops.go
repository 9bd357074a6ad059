// ops.go - 操作图
//
// 一个函数的所有操作节点存放在同一个 graph 中，按 NodeID 索引。
// Value 是节点或常量的句柄，可以直接比较、作为 map 的键。
// 每种操作的属性（结果种类、是否破坏标志位、条件码）以及它的
// allocate / generate 例程集中登记在 opTable 中。

package jit

import (
	"fmt"

	"github.com/tangzhangming/rgen/internal/jit/platform"
)

// Kind 操作种类
type Kind uint8

const (
	OpInput Kind = iota // 块输入（函数参数或重命名后的活跃值）
	OpSameAs
	OpIntNeg
	OpIntIsTrue
	OpIntAdd
	OpIntSub
	OpIntMul
	OpIntFloorDiv
	OpIntMod
	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe
	OpJumpIf
	OpLabel

	// 已声明但后端未实现
	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatTrueDiv
	OpFloatNeg
	OpCastIntToFloat

	numKinds
)

// String 返回操作名
func (k Kind) String() string {
	if k < numKinds && opTable[k] != nil {
		return opTable[k].name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// resultKind 结果种类
type resultKind uint8

const (
	rkNone resultKind = iota // 无结果
	rkWord                   // 机器字
	rkCC                     // 条件码
)

// NodeID 节点在 graph 中的索引
type NodeID int32

type valueKind uint8

const (
	valNone valueKind = iota
	valVar
	valInt
	valAddr
)

// Value 值句柄：操作节点或常量
//
// 零值无效。常量不属于任何 graph，也不会被分配位置。
type Value struct {
	g    *graph
	id   NodeID
	kind valueKind
	imm  int64
}

// IsValid 是否是有效的句柄
func (v Value) IsValid() bool { return v.kind != valNone }

// IsConst 是否是常量
func (v Value) IsConst() bool { return v.kind == valInt || v.kind == valAddr }

// ID 节点编号；常量返回 -1
func (v Value) ID() NodeID {
	if v.kind != valVar {
		return -1
	}
	return v.id
}

// Op 节点的操作种类；常量返回 OpInput
func (v Value) Op() Kind {
	if v.kind != valVar {
		return OpInput
	}
	return v.g.nodes[v.id].kind
}

// RevealInt 返回常量的整数值
func (v Value) RevealInt() int64 {
	if !v.IsConst() {
		panic(fmt.Errorf("rgen: %s is not a constant", v))
	}
	return v.imm
}

// RevealAddr 返回常量的地址值
func (v Value) RevealAddr() uintptr {
	return uintptr(v.RevealInt())
}

// String 调试输出
func (v Value) String() string {
	switch v.kind {
	case valVar:
		return fmt.Sprintf("v%d:%s", v.id, v.Op())
	case valInt:
		return fmt.Sprintf("const=$%d", v.imm)
	case valAddr:
		return fmt.Sprintf("const=<%#x>", uint64(v.imm))
	}
	return "<invalid>"
}

func (v Value) node() *node {
	return &v.g.nodes[v.id]
}

// IntConst 整数常量
func IntConst(n int64) Value {
	return Value{kind: valInt, imm: n}
}

// AddrConst 地址常量
func AddrConst(addr uintptr) Value {
	return Value{kind: valAddr, imm: int64(addr)}
}

// ============================================================================
// 节点与图
// ============================================================================

// node 操作节点
type node struct {
	kind Kind
	x, y Value

	// 创建节点的构建器及其写入轮次，用于判断条件码是否来自当前块
	owner *Builder
	epoch int

	// OpJumpIf
	target *Builder
	negate bool

	// OpLabel
	label *Label
	args  []Value
}

// graph 一个函数的节点池
type graph struct {
	name     string
	nodes    []node
	builders int
}

func (g *graph) add(n node) Value {
	g.nodes = append(g.nodes, n)
	return Value{g: g, id: NodeID(len(g.nodes) - 1), kind: valVar}
}

// Label 跳转目标
//
// 标签所在的块发射后才被放置：记录目标地址、输入值所在的操作数，
// 以及该处预留的栈帧深度。
type Label struct {
	targetAddr    uintptr
	inputOperands []platform.Operand
	frameDepth    int
	placed        bool
}

// Placed 是否已放置
func (l *Label) Placed() bool { return l.placed }

// Addr 目标地址
func (l *Label) Addr() uintptr { return l.targetAddr }

// Operands 输入值在目标处的操作数
func (l *Label) Operands() []platform.Operand { return l.inputOperands }

// ============================================================================
// 操作表
// ============================================================================

// opInfo 一种操作的静态描述
type opInfo struct {
	kind        Kind
	name        string
	arity       int
	result      resultKind
	clobbersCC  bool
	cc          platform.Cond
	commutative bool
	unwired     bool

	// emit 二元算术指令
	emit func(a *platform.X64Assembler, dst, src platform.Operand) platform.Status

	allocate func(ra *regAllocator, n *node)
	generate func(ra *regAllocator, v Value, n *node)
}

var (
	opTable [numKinds]*opInfo
	opNames = map[string]Kind{}
)

// identityOps 不产生代码的类型转换
var identityOps = map[string]bool{
	"cast_int_to_ptr":  true,
	"cast_ptr_to_int":  true,
	"cast_adr_to_int":  true,
	"cast_int_to_adr":  true,
	"cast_bool_to_int": true,
	"cast_char_to_int": true,
	"cast_int_to_char": true,
}

func init() {
	compare := func(kind Kind, name string, cc platform.Cond) *opInfo {
		return &opInfo{kind: kind, name: name, arity: 2, result: rkCC, clobbersCC: true, cc: cc,
			allocate: allocOperands, generate: genCompare2}
	}
	binary := func(kind Kind, name string, commutative bool,
		emit func(a *platform.X64Assembler, dst, src platform.Operand) platform.Status) *opInfo {
		return &opInfo{kind: kind, name: name, arity: 2, result: rkWord, clobbersCC: true,
			commutative: commutative, emit: emit, allocate: allocOperands, generate: genBinary}
	}
	unwired := func(kind Kind, name string, arity int) *opInfo {
		return &opInfo{kind: kind, name: name, arity: arity, result: rkWord, clobbersCC: true, unwired: true}
	}

	infos := []*opInfo{
		{kind: OpInput, name: "input", result: rkWord, allocate: allocNothing, generate: genNothing},
		{kind: OpSameAs, name: "same_as", arity: 1, result: rkWord,
			allocate: allocOperands, generate: genSameAs},
		{kind: OpIntNeg, name: "int_neg", arity: 1, result: rkWord, clobbersCC: true,
			allocate: allocOperands, generate: genNeg},
		{kind: OpIntIsTrue, name: "int_is_true", arity: 1, result: rkCC, clobbersCC: true, cc: platform.CondNE,
			allocate: allocOperands, generate: genCompare1},
		binary(OpIntAdd, "int_add", true, (*platform.X64Assembler).ADD),
		binary(OpIntSub, "int_sub", false, (*platform.X64Assembler).SUB),
		{kind: OpIntMul, name: "int_mul", arity: 2, result: rkWord, clobbersCC: true, commutative: true,
			allocate: allocOperands, generate: genMul},
		{kind: OpIntFloorDiv, name: "int_floordiv", arity: 2, result: rkWord, clobbersCC: true,
			allocate: allocOperands, generate: genDivMod},
		{kind: OpIntMod, name: "int_mod", arity: 2, result: rkWord, clobbersCC: true,
			allocate: allocOperands, generate: genDivMod},
		compare(OpIntLt, "int_lt", platform.CondL),
		compare(OpIntLe, "int_le", platform.CondLE),
		compare(OpIntEq, "int_eq", platform.CondE),
		compare(OpIntNe, "int_ne", platform.CondNE),
		compare(OpIntGt, "int_gt", platform.CondG),
		compare(OpIntGe, "int_ge", platform.CondGE),
		{kind: OpJumpIf, name: "jump_if", result: rkNone, allocate: allocJumpIf, generate: genJumpIf},
		{kind: OpLabel, name: "label", result: rkNone, allocate: allocLabel, generate: genLabel},
		unwired(OpFloatAdd, "float_add", 2),
		unwired(OpFloatSub, "float_sub", 2),
		unwired(OpFloatMul, "float_mul", 2),
		unwired(OpFloatTrueDiv, "float_truediv", 2),
		unwired(OpFloatNeg, "float_neg", 1),
		unwired(OpCastIntToFloat, "cast_int_to_float", 1),
	}
	for _, info := range infos {
		if opTable[info.kind] != nil {
			panic(fmt.Sprintf("rgen: duplicate operation %s", info.name))
		}
		opTable[info.kind] = info
		if info.arity > 0 {
			opNames[info.name] = info.kind
		}
	}
	for k := Kind(0); k < numKinds; k++ {
		if opTable[k] == nil {
			panic(fmt.Sprintf("rgen: operation kind %d not registered", k))
		}
	}
}

// LookupOp 按名字查找操作；identity 为 true 表示该操作直接返回参数
func LookupOp(name string) (kind Kind, identity bool, ok bool) {
	if identityOps[name] {
		return 0, true, true
	}
	kind, ok = opNames[name]
	return kind, false, ok
}

// ============================================================================
// allocate 例程
// ============================================================================

func allocNothing(ra *regAllocator, n *node) {}

// allocOperands 声明使用 x（和 y）
func allocOperands(ra *regAllocator, n *node) {
	ra.using(n.x)
	if n.y.IsValid() {
		ra.using(n.y)
	}
}

// allocJumpIf 条件码必须留在标志位中，目标块的输入全部活跃
func allocJumpIf(ra *regAllocator, n *node) {
	ra.usingCC(n.x)
	for _, v := range n.target.inputArgs {
		ra.using(v)
	}
}

func allocLabel(ra *regAllocator, n *node) {
	for _, v := range n.args {
		ra.using(v)
	}
}
