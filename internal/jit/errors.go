// errors.go - 错误定义
//
// 资源错误（可执行内存分配失败等）通过返回值报告；
// 调用方违反接口约定（未知操作、跳到未放置的标签、使用已结束的构建器）
// 时立即以包装了哨兵错误的 panic 报告，整个编译单元随之作废。

package jit

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/rgen/internal/jit/codebuf"
)

var (
	// ErrUnimplemented 操作已声明但后端尚未实现
	ErrUnimplemented = errors.New("rgen: operation not implemented by the x86-64 backend")
	// ErrUnknownOperation 未知的操作名
	ErrUnknownOperation = errors.New("rgen: unknown operation")
	// ErrUnsupportedPlatform 当前平台无法调用生成的代码
	ErrUnsupportedPlatform = errors.New("rgen: calling generated code is not supported on this platform")
	// ErrNoOpenBlock 构建器没有处于写入状态
	ErrNoOpenBlock = errors.New("rgen: builder is not writing a block")
	// ErrLabelNotPlaced 标签所在的块尚未发射
	ErrLabelNotPlaced = errors.New("rgen: label has not been placed yet")
	// ErrValueNotInBlock 值既不是块内定义的，也不是块的输入
	ErrValueNotInBlock = errors.New("rgen: value is not available in this block")
	// ErrBufferOverflow 机器码块空间不足
	ErrBufferOverflow = codebuf.ErrBufferOverflow
	// ErrOpenBlocks 仍有机器码块处于打开状态
	ErrOpenBlocks = codebuf.ErrOpenBlock
)

// contractf 报告调用方违反约定
func contractf(sentinel error, format string, args ...interface{}) {
	panic(fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
}
