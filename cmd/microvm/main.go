// Command microvm boots a Linux, PVH or multiboot kernel directly in a
// KVM virtual machine with a serial console on the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/microvm/internal/boot"
	"github.com/tinyrange/microvm/internal/initrd"
	"github.com/tinyrange/microvm/internal/vmconfig"
	"github.com/tinyrange/microvm/internal/vmm"
)

// exitError carries the process exit status for a finished guest.
type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}
func (e *exitError) Unwrap() error { return e.Err }

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				fmt.Fprintf(os.Stderr, "microvm: %v\r\n", exitErr.Err)
			}
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "microvm: %v\n", err)
		os.Exit(1)
	}
}

// moduleList collects repeated -module flags of the form [name=]path.
type moduleList []vmconfig.Module

func (m *moduleList) String() string {
	parts := make([]string, len(*m))
	for i, mod := range *m {
		parts[i] = mod.Path
	}
	return strings.Join(parts, ",")
}

func (m *moduleList) Set(s string) error {
	name, path, ok := strings.Cut(s, "=")
	if !ok {
		name, path = "", s
	}
	if path == "" {
		return errors.New("module path is empty")
	}
	*m = append(*m, vmconfig.Module{Name: name, Path: path})
	return nil
}

// flagKeys maps flag names to launch file keys.
var flagKeys = map[string]string{
	"kernel":      "kernel",
	"initrd":      "initrd",
	"initrd-dir":  "initrdDir",
	"module":      "modules",
	"cmdline":     "cmdline",
	"cpus":        "cpus",
	"memory":      "memory",
	"console-log": "consoleLog",
}

func run() error {
	flags := vmconfig.File{Memory: vmconfig.DefaultMemory}
	var modules moduleList

	flag.StringVar(&flags.Kernel, "kernel", "", "Kernel image (bzImage, vmlinux, PVH or multiboot ELF)")
	flag.StringVar(&flags.Initrd, "initrd", "", "Initial ramdisk")
	flag.StringVar(&flags.InitrdDir, "initrd-dir", "", "Pack this directory into a cpio initrd")
	flag.Var(&modules, "module", "Extra boot module as [name=]path (repeatable)")
	flag.StringVar(&flags.Cmdline, "cmdline", vmconfig.DefaultCmdline, "Kernel command line")
	flag.IntVar(&flags.CPUs, "cpus", vmconfig.DefaultCPUs, "Number of vCPUs")
	flag.Var(&flags.Memory, "memory", "Guest memory size (K, M or G suffix)")
	flag.StringVar(&flags.ConsoleLog, "console-log", "", "Also write console output, without escape sequences, to this file")
	configPath := flag.String("config", "", "YAML launch file; explicit flags override it")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nPress Ctrl-A x to stop the guest.\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	flags.Modules = modules

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		&fixCrlf{w: os.Stderr},
		&slog.HandlerOptions{Level: level},
	)))

	cfg := flags
	if *configPath != "" {
		file, err := vmconfig.Load(*configPath)
		if err != nil {
			return err
		}
		set := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) {
			if key, ok := flagKeys[f.Name]; ok {
				set[key] = true
			}
		})
		file.Merge(flags, set)
		cfg = file
	}
	cfg.Normalize()

	if cfg.Kernel == "" {
		flag.Usage()
		return errors.New("no kernel given")
	}
	if cfg.Initrd != "" && cfg.InitrdDir != "" {
		return errors.New("-initrd and -initrd-dir are mutually exclusive")
	}

	vmCfg, err := loadImages(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var console io.Writer = os.Stdout
	if cfg.ConsoleLog != "" {
		f, err := os.Create(cfg.ConsoleLog)
		if err != nil {
			return fmt.Errorf("create console log: %w", err)
		}
		defer f.Close()
		log := &strippedLog{w: f}
		defer log.Flush()
		console = io.MultiWriter(os.Stdout, log)
	}
	vmCfg.Console = console

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
		vmCfg.ConsoleInput = &escapeReader{r: os.Stdin, quit: stop}
	}

	out, err := vmm.Run(ctx, vmCfg)
	slog.Info("guest finished", "outcome", out.Kind, "shutdown", out.Shutdown)
	switch {
	case err != nil:
		return &exitError{Code: 1, Err: err}
	case out.Kind == vmm.Stopped:
		return &exitError{Code: 130}
	case out.Shutdown == vmm.ShutdownTripleFault:
		return &exitError{Code: 2, Err: errors.New(out.Description)}
	}
	return nil
}

// loadImages reads every file named by cfg into a vmm.Config.
func loadImages(cfg vmconfig.File) (vmm.Config, error) {
	kernel, err := readFile("kernel", cfg.Kernel)
	if err != nil {
		return vmm.Config{}, err
	}
	out := vmm.Config{
		Kernel:     kernel,
		Cmdline:    cfg.Cmdline,
		CPUs:       cfg.CPUs,
		MemorySize: uint64(cfg.Memory),
	}

	switch {
	case cfg.Initrd != "":
		if out.Initrd, err = readFile("initrd", cfg.Initrd); err != nil {
			return vmm.Config{}, err
		}
	case cfg.InitrdDir != "":
		if out.Initrd, err = initrd.Build(cfg.InitrdDir); err != nil {
			return vmm.Config{}, err
		}
		slog.Debug("packed initrd", "dir", cfg.InitrdDir, "bytes", len(out.Initrd))
	}

	for _, m := range cfg.Modules {
		data, err := readFile("module", m.Path)
		if err != nil {
			return vmm.Config{}, err
		}
		out.Modules = append(out.Modules, boot.Module{Name: m.Name, Data: data})
	}
	return out, nil
}

// readFile reads path, showing progress on stderr for large files.
func readFile(what, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", what, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", what, err)
	}

	var r io.Reader = f
	if info.Size() >= progressThreshold && term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("read %s", filepath.Base(path)))
		defer bar.Close()
		r = io.TeeReader(f, bar)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return data, nil
}

const progressThreshold = 16 << 20
