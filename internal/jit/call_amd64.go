//go:build amd64

package jit

import "fmt"

// 汇编跳板：把参数放在调用者的栈上，与生成代码的帧布局一致
// （第 i 个参数在 [rbp+16+8*i]），结果从 RAX 取回。

func callNative0(fn uintptr) int64
func callNative1(fn uintptr, a0 int64) int64
func callNative2(fn uintptr, a0, a1 int64) int64
func callNative3(fn uintptr, a0, a1, a2 int64) int64
func callNative4(fn uintptr, a0, a1, a2, a3 int64) int64

// NativeCallsSupported 当前平台能否直接调用生成的代码
const NativeCallsSupported = true

// maxCallArgs 跳板支持的最大参数个数
const maxCallArgs = 4

// callNative 调用 fn 处的生成代码
func callNative(fn uintptr, args []int64) (int64, error) {
	if fn == 0 {
		return 0, fmt.Errorf("rgen: call to nil entry")
	}
	switch len(args) {
	case 0:
		return callNative0(fn), nil
	case 1:
		return callNative1(fn, args[0]), nil
	case 2:
		return callNative2(fn, args[0], args[1]), nil
	case 3:
		return callNative3(fn, args[0], args[1], args[2]), nil
	case 4:
		return callNative4(fn, args[0], args[1], args[2], args[3]), nil
	}
	return 0, fmt.Errorf("rgen: %d arguments, at most %d supported", len(args), maxCallArgs)
}
