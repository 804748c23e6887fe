// Command procjack is a one-shot CLI over the library-injector and
// symbol-resolver core, for scripting and testability (spec.md §6 "CLI
// surface (external to the core, shown for testability)").
//
//	procjack inject <pid> load <libc_path> <lib_path>
//	procjack inject <pid> unload <libc_path> <handler_hex>
//	procjack get_sym_addr <pid> <lib_path> <sym_name>
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dfeich/procjack/config"
	"github.com/dfeich/procjack/loadlib"
	"github.com/dfeich/procjack/process"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  procjack inject <pid> load <libc_path> <lib_path>")
	fmt.Fprintln(os.Stderr, "  procjack inject <pid> unload <libc_path> <handler_hex>")
	fmt.Fprintln(os.Stderr, "  procjack get_sym_addr <pid> <lib_path> <sym_name>")
	fmt.Fprintln(os.Stderr, "an empty \"\" <libc_path> falls back to the config's default_libc_path")
}

func main() {
	configPath := flag.String("config", "", "path to procjack config YAML")
	flag.Parse()
	args := flag.Args()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err == nil {
		logrus.SetLevel(level)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	var runErr error
	switch args[0] {
	case "inject":
		runErr = runInject(cfg, args[1:])
	case "get_sym_addr":
		runErr = runGetSymAddr(cfg, args[1:])
	default:
		usage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func attachOpts(cfg *config.Config) []process.Option {
	if cfg.WaitTimeoutSeconds <= 0 {
		return nil
	}
	return []process.Option{
		process.WithWaitTimeout(time.Duration(cfg.WaitTimeoutSeconds) * time.Second),
	}
}

func runInject(cfg *config.Config, args []string) error {
	if len(args) < 2 {
		usage()
		return fmt.Errorf("inject: missing arguments")
	}

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}

	p, err := process.AttachToProcess(pid, attachOpts(cfg)...)
	if err != nil {
		return err
	}
	defer p.Detach()

	switch args[1] {
	case "load":
		if len(args) != 4 {
			usage()
			return fmt.Errorf("inject load: expected <libc_path> <lib_path>")
		}

		libcPath := args[2]
		if libcPath == "" {
			libcPath = cfg.DefaultLibcPath
		}

		handle, err := loadlib.Load(
			p, libcPath, args[3], uint64(cfg.ScratchMappingSize))
		if err != nil {
			return err
		}

		fmt.Printf("0x%x\n", handle)
		return nil

	case "unload":
		if len(args) != 4 {
			usage()
			return fmt.Errorf("inject unload: expected <libc_path> <handler_hex>")
		}

		libcPath := args[2]
		if libcPath == "" {
			libcPath = cfg.DefaultLibcPath
		}

		handle, err := strconv.ParseUint(args[3], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid handler %q: %w", args[3], err)
		}

		if err := loadlib.Unload(p, libcPath, handle); err != nil {
			return err
		}

		fmt.Println("unloaded")
		return nil

	default:
		usage()
		return fmt.Errorf("inject: unknown subcommand %q", args[1])
	}
}

func runGetSymAddr(cfg *config.Config, args []string) error {
	if len(args) != 3 {
		usage()
		return fmt.Errorf("get_sym_addr: expected <pid> <lib_path> <sym_name>")
	}

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid pid %q: %w", args[0], err)
	}

	p, err := process.AttachToProcess(pid, attachOpts(cfg)...)
	if err != nil {
		return err
	}
	defer p.Detach()

	libPath := args[1]
	if libPath == "" {
		libPath = cfg.DefaultLibcPath
	}

	addr, err := p.ResolveSymbol(libPath, args[2])
	if err != nil {
		return err
	}

	fmt.Printf("0x%x\n", addr)
	return nil
}
