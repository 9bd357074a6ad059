package jit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.blockSize != 64*1024 || cfg.minFree != 256 {
		t.Errorf("blockSize=%d minFree=%d", cfg.blockSize, cfg.minFree)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
block_size    = "16KiB"
max_registers = 4
listing       = true
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.blockSize != 16*1024 {
		t.Errorf("blockSize = %d, want 16384", cfg.blockSize)
	}
	// 未出现的字段保持默认值
	if cfg.MinFree != "256B" || cfg.minFree != 256 {
		t.Errorf("MinFree = %q (%d)", cfg.MinFree, cfg.minFree)
	}
	if cfg.MaxRegisters != 4 || !cfg.Listing || cfg.Trap {
		t.Errorf("unexpected config %+v", cfg)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown field":      `block_sise = "64KiB"`,
		"bad size":           `block_size = "lots"`,
		"tiny block":         `block_size = "1KiB"`,
		"min_free too large": "block_size = \"8KiB\"\nmin_free = \"8KiB\"",
		"negative registers": `max_registers = -1`,
		"too many registers": `max_registers = 11`,
		"wrong type":         `trap = "yes"`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(src)); err == nil {
				t.Errorf("ParseConfig(%q) succeeded", src)
			}
		})
	}

	_, err := ParseConfig([]byte(`max_registers = 99`))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rgen.toml")
	if err := os.WriteFile(path, []byte("min_free = \"1KiB\"\ntrap = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.minFree != 1024 || !cfg.Trap {
		t.Errorf("unexpected config %+v", cfg)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig of a missing file succeeded")
	}
}

func TestNewContextRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockSize = "2KiB"
	if _, err := NewContext(cfg, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
