// config.go - 代码生成配置
//
// 配置文件为 TOML 格式，例如：
//
//	block_size    = "64KiB"
//	min_free      = "256B"
//	max_registers = 4
//	trap          = false
//	listing       = true

package jit

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	units "github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"

	"github.com/tangzhangming/rgen/internal/jit/platform"
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("rgen: invalid configuration")

// Config 代码生成配置
type Config struct {
	// BlockSize 每个机器码块的大小，如 "64KiB"
	BlockSize string `toml:"block_size"`

	// MinFree 机器码块剩余空间低于该值时不再写入
	MinFree string `toml:"min_free"`

	// MaxRegisters 可分配的通用寄存器数量，0 表示全部
	MaxRegisters int `toml:"max_registers"`

	// Trap 在每个函数入口插入 int3
	Trap bool `toml:"trap"`

	// Listing 每发射一段代码就在调试日志中输出反汇编
	Listing bool `toml:"listing"`

	blockSize int
	minFree   int
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		BlockSize: "64KiB",
		MinFree:   "256B",
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig 解析 TOML 配置，未出现的字段取默认值
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 检查并解析大小字段
func (c *Config) validate() error {
	bs, err := parseSize(c.BlockSize, "64KiB")
	if err != nil {
		return fmt.Errorf("%w: block_size: %v", ErrInvalidConfig, err)
	}
	if bs < 4096 {
		return fmt.Errorf("%w: block_size %s is smaller than 4KiB", ErrInvalidConfig, units.BytesSize(float64(bs)))
	}
	mf, err := parseSize(c.MinFree, "0")
	if err != nil {
		return fmt.Errorf("%w: min_free: %v", ErrInvalidConfig, err)
	}
	if mf >= bs {
		return fmt.Errorf("%w: min_free %s must be smaller than block_size %s", ErrInvalidConfig,
			units.BytesSize(float64(mf)), units.BytesSize(float64(bs)))
	}
	if c.MaxRegisters < 0 || c.MaxRegisters > len(platform.AllocatableRegisters) {
		return fmt.Errorf("%w: max_registers must be between 0 and %d", ErrInvalidConfig,
			len(platform.AllocatableRegisters))
	}
	c.blockSize, c.minFree = int(bs), int(mf)
	return nil
}

func parseSize(s, def string) (int64, error) {
	if s == "" {
		s = def
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return n, nil
}
