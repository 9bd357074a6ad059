package platform

// Cond x86 条件码（Jcc / SETcc 操作码的低 4 位）
type Cond uint8

const (
	CondO  Cond = 0x0
	CondNO Cond = 0x1
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondP  Cond = 0xA
	CondNP Cond = 0xB
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF

	// CondAlways 无条件跳转（不是真正的条件码）
	CondAlways Cond = 0x10
)

var condNames = [...]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g", "mp",
}

// String 返回条件助记符后缀
func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return "??"
}

// Negate 取反条件
func (c Cond) Negate() Cond {
	if c >= CondAlways {
		panic("platform: cannot negate an unconditional jump")
	}
	return c ^ 1
}

// JumpSize 跳转指令的字节数（均为 rel32 形式）
func JumpSize(c Cond) int {
	if c == CondAlways {
		return 5
	}
	return 6
}
