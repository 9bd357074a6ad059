// rgendump - 编译内置示例函数并输出机器码
//
// 用法:
//   rgendump list                       # 列出所有示例
//   rgendump [options] <sample> [args]  # 编译并运行示例
//
// 例如:
//   rgendump -listing -stats sum 100

package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/tangzhangming/rgen/internal/jit"
)

// 版本信息
const (
	Version = "0.1.0"
	Name    = "rgendump"
)

// 命令行选项
var (
	configFlag  = flag.String("config", "", "TOML 配置文件")
	listingFlag = flag.Bool("listing", false, "输出反汇编")
	statsFlag   = flag.Bool("stats", false, "以 JSON 输出统计信息")
	verboseFlag = flag.Bool("verbose", false, "输出调试日志")
	regsFlag    = flag.Int("regs", -1, "可分配的寄存器数量，覆盖配置文件")
	trapFlag    = flag.Bool("trap", false, "在函数入口插入 int3")
	versionFlag = flag.Bool("version", false, "显示版本信息")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		return
	}
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	if flag.Arg(0) == "list" {
		for _, name := range sampleNames() {
			s := samples[name]
			fmt.Printf("  %-8s %d 个参数  %s\n", name, s.args, s.desc)
		}
		return
	}

	if err := run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf("%s %s - 操作图到 x86-64 机器码\n\n", Name, Version)
	fmt.Println("用法:")
	fmt.Printf("  %s list\n", Name)
	fmt.Printf("  %s [options] <sample> [args...]\n", Name)
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
}

func loadConfig() (*jit.Config, error) {
	cfg := jit.DefaultConfig()
	if *configFlag != "" {
		var err error
		if cfg, err = jit.LoadConfig(*configFlag); err != nil {
			return nil, err
		}
	}
	if *regsFlag >= 0 {
		cfg.MaxRegisters = *regsFlag
	}
	if *trapFlag {
		cfg.Trap = true
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if !*verboseFlag {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

func run(name string, rawArgs []string) (err error) {
	s, ok := samples[name]
	if !ok {
		return fmt.Errorf("unknown sample %q, try '%s list'", name, Name)
	}
	if len(rawArgs) != s.args {
		return fmt.Errorf("sample %s takes %d arguments, got %d", name, s.args, len(rawArgs))
	}
	args := make([]int64, len(rawArgs))
	for i, a := range rawArgs {
		if args[i], err = strconv.ParseInt(a, 0, 64); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, err := jit.NewContext(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ctx.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	entry, err := s.build(ctx)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}

	if *listingFlag {
		listing, err := ctx.Listing()
		if err != nil {
			return err
		}
		fmt.Print(listing)
	}

	if jit.NativeCallsSupported {
		r, err := ctx.Call(entry, args...)
		if err != nil {
			return err
		}
		fmt.Printf("%s%v = %d\n", name, args, r)
	} else {
		fmt.Fprintln(os.Stderr, "当前平台不能调用生成的代码，只输出编译结果")
	}

	if *statsFlag {
		data, err := ctx.Stats().JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}

func sampleNames() []string {
	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
