//go:build !amd64

package jit

// NativeCallsSupported 当前平台能否直接调用生成的代码
const NativeCallsSupported = false

// callNative 非 amd64 平台无法执行生成的 x86-64 代码
func callNative(fn uintptr, args []int64) (int64, error) {
	return 0, ErrUnsupportedPlatform
}
