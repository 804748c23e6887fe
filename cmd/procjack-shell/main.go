// Command procjack-shell is an interactive readline front-end over the
// process controller, for exploratory use (spec.md §1 "external
// collaborators": CLI front-ends are thin callers of the core API).
package main

import (
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/sirupsen/logrus"

	"github.com/dfeich/procjack/config"
	"github.com/dfeich/procjack/inject"
	"github.com/dfeich/procjack/loadlib"
	"github.com/dfeich/procjack/procfs"
	"github.com/dfeich/procjack/process"
)

func splitArg(args string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)

	first := parts[0]
	remaining := ""
	if len(parts) > 1 {
		remaining = parts[1]
	}

	return first, remaining
}

func splitAllArgs(argsStr string) []string {
	args := []string{}
	remaining := argsStr
	for len(remaining) > 0 {
		var arg string
		arg, remaining = splitArg(remaining)
		if arg == `""` {
			args = append(args, "") // explicit empty argument
		} else if len(arg) > 0 {
			args = append(args, arg)
		}
	}
	return args
}

type cmdFunc func(*process.Process, *config.Config, string) error

type namedCommand struct {
	name        string
	description string
	cmdFunc
}

type subCommands struct {
	p        *process.Process
	cfg      *config.Config
	commands []namedCommand
}

func (cmds subCommands) run(args string) error {
	name, remaining := splitArg(args)

	if name == "" || strings.HasPrefix("help", name) {
		cmds.printAvailableCommands()
		return nil
	}

	for _, cmd := range cmds.commands {
		if strings.HasPrefix(cmd.name, name) {
			return cmd.cmdFunc(cmds.p, cmds.cfg, remaining)
		}
	}

	fmt.Println("Invalid subcommand:", args)
	return nil
}

func (cmds subCommands) printAvailableCommands() {
	fmt.Println("Available subcommands:")
	for _, cmd := range cmds.commands {
		fmt.Println("  " + cmd.name + cmd.description)
	}
}

func maps_(p *process.Process, _ *config.Config, args string) error {
	mappings, err := p.GetMaps(nil)
	if err != nil {
		return err
	}

	for _, m := range mappings {
		fmt.Printf(
			"%016x-%016x %s %08x %s %s %s\n",
			m.StartAddress, m.EndAddress, m.Perms, m.Offset, m.Dev, m.Inode,
			m.Pathname)
	}
	return nil
}

func auxv(p *process.Process, _ *config.Config, args string) error {
	entries, err := p.AuxiliaryVector()
	if err != nil {
		return err
	}

	types := make([]procfs.AuxiliaryVectorEntryType, 0, len(entries))
	for t := range entries {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		fmt.Printf("%2d 0x%x\n", t, entries[t])
	}
	return nil
}

func getSymAddr(p *process.Process, cfg *config.Config, args string) error {
	parts := splitAllArgs(args)
	if len(parts) != 2 {
		fmt.Println("usage: get_sym_addr <lib_path> <sym_name>")
		return nil
	}

	libPath := parts[0]
	if libPath == "" {
		libPath = cfg.DefaultLibcPath
	}

	addr, err := p.ResolveSymbol(libPath, parts[1])
	if err != nil {
		fmt.Println(err)
		return nil
	}

	fmt.Printf("0x%x\n", addr)
	return nil
}

func syscallCmd(p *process.Process, _ *config.Config, args string) error {
	parts := splitAllArgs(args)
	if len(parts) == 0 {
		fmt.Println("usage: syscall <nr> [args...]")
		return nil
	}

	nr, err := strconv.ParseUint(parts[0], 0, 64)
	if err != nil {
		fmt.Println("invalid syscall number:", err)
		return nil
	}

	syscallArgs := make([]uint64, 0, len(parts)-1)
	for _, a := range parts[1:] {
		v, err := strconv.ParseUint(a, 0, 64)
		if err != nil {
			fmt.Println("invalid argument:", err)
			return nil
		}
		syscallArgs = append(syscallArgs, v)
	}

	result, err := inject.Syscall(p, nr, syscallArgs...)
	if err != nil {
		fmt.Println(err)
		return nil
	}

	if result.Failed() {
		fmt.Printf("returned %d (errno %s)\n", result.Raw, result.Errno)
	} else {
		fmt.Printf("returned %d\n", result.Raw)
	}
	return nil
}

func loadCmd(p *process.Process, cfg *config.Config, args string) error {
	parts := splitAllArgs(args)
	if len(parts) != 2 {
		fmt.Println("usage: load <libc_path> <lib_path> (empty libc_path uses the config default)")
		return nil
	}

	libcPath := parts[0]
	if libcPath == "" {
		libcPath = cfg.DefaultLibcPath
	}

	handle, err := loadlib.Load(p, libcPath, parts[1], uint64(cfg.ScratchMappingSize))
	if err != nil {
		fmt.Println(err)
		return nil
	}

	fmt.Printf("0x%x\n", handle)
	return nil
}

func unloadCmd(p *process.Process, cfg *config.Config, args string) error {
	parts := splitAllArgs(args)
	if len(parts) != 2 {
		fmt.Println("usage: unload <libc_path> <handler_hex> (empty libc_path uses the config default)")
		return nil
	}

	libcPath := parts[0]
	if libcPath == "" {
		libcPath = cfg.DefaultLibcPath
	}

	handle, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		fmt.Println("invalid handler:", err)
		return nil
	}

	if err := loadlib.Unload(p, libcPath, handle); err != nil {
		fmt.Println(err)
		return nil
	}

	fmt.Println("unloaded")
	return nil
}

func initializeCommands(p *process.Process, cfg *config.Config) subCommands {
	return subCommands{
		p:   p,
		cfg: cfg,
		commands: []namedCommand{
			{
				name:        "maps",
				description: "                      - list the tracee's memory mappings",
				cmdFunc:     maps_,
			},
			{
				name:        "auxv",
				description: "                      - print the tracee's auxiliary vector",
				cmdFunc:     auxv,
			},
			{
				name:        "get_sym_addr",
				description: " <lib_path> <sym_name> - resolve a symbol's remote address",
				cmdFunc:     getSymAddr,
			},
			{
				name:        "syscall",
				description: " <nr> [args...]        - inject a syscall",
				cmdFunc:     syscallCmd,
			},
			{
				name:        "load",
				description: " <libc_path> <lib_path> - inject a library load",
				cmdFunc:     loadCmd,
			},
			{
				name:        "unload",
				description: " <libc_path> <handler>  - inject a library unload",
				cmdFunc:     unloadCmd,
			},
		},
	}
}

func main() {
	pid := 0
	flag.IntVar(&pid, "p", 0, "attach to existing process pid")
	configPath := flag.String("config", "", "path to procjack config YAML")
	flag.Parse()

	if pid == 0 {
		panic("usage: procjack-shell -p <pid>")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	var opts []process.Option
	if cfg.WaitTimeoutSeconds > 0 {
		opts = append(
			opts,
			process.WithWaitTimeout(time.Duration(cfg.WaitTimeoutSeconds)*time.Second))
	}

	p, err := process.AttachToProcess(pid, opts...)
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := p.Detach(); err != nil {
			logrus.Warnf("failed to detach from process %d: %s", p.Pid(), err)
		}
	}()

	fmt.Printf("attached to process %d\n", p.Pid())

	topCmds := initializeCommands(p, cfg)

	rl, err := readline.New("procjack > ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			panic(err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		if err := topCmds.run(line); err != nil {
			panic(err)
		}
	}
}
