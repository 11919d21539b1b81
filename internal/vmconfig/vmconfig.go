// Package vmconfig reads the YAML launch file accepted by the microvm
// command and merges it with command-line flags.
package vmconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCPUs    = 1
	DefaultMemory  = Size(64 << 20)
	DefaultCmdline = "panic=1 console=ttyS0"
)

// Module is an extra blob passed to PVH and multiboot kernels.
type Module struct {
	Name string `yaml:"name,omitempty"`
	Path string `yaml:"path"`
}

// File is a launch description. Relative paths are resolved against the
// directory of the file they were read from.
type File struct {
	Kernel    string   `yaml:"kernel"`
	Initrd    string   `yaml:"initrd,omitempty"`
	InitrdDir string   `yaml:"initrdDir,omitempty"`
	Modules   []Module `yaml:"modules,omitempty"`
	Cmdline   string   `yaml:"cmdline,omitempty"`

	CPUs   int  `yaml:"cpus,omitempty"`
	Memory Size `yaml:"memory,omitempty"`

	ConsoleLog string `yaml:"consoleLog,omitempty"`
}

// Normalize fills unset fields with their defaults.
func (f *File) Normalize() {
	if f.CPUs == 0 {
		f.CPUs = DefaultCPUs
	}
	if f.Memory == 0 {
		f.Memory = DefaultMemory
	}
	if f.Cmdline == "" {
		f.Cmdline = DefaultCmdline
	}
	for i := range f.Modules {
		if f.Modules[i].Name == "" {
			f.Modules[i].Name = filepath.Base(f.Modules[i].Path)
		}
	}
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	f.resolve(filepath.Dir(path))
	return f, nil
}

// Parse decodes a launch file without normalizing it. Unknown keys are
// rejected.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, err
	}
	return f, nil
}

func (f *File) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	f.Kernel = abs(f.Kernel)
	f.Initrd = abs(f.Initrd)
	f.InitrdDir = abs(f.InitrdDir)
	f.ConsoleLog = abs(f.ConsoleLog)
	for i := range f.Modules {
		f.Modules[i].Path = abs(f.Modules[i].Path)
	}
}

// Merge overlays the fields of flags whose names are in set onto f. Names
// match the YAML keys.
func (f *File) Merge(flags File, set map[string]bool) {
	if set["kernel"] {
		f.Kernel = flags.Kernel
	}
	if set["initrd"] {
		f.Initrd = flags.Initrd
	}
	if set["initrdDir"] {
		f.InitrdDir = flags.InitrdDir
	}
	if set["modules"] {
		f.Modules = flags.Modules
	}
	if set["cmdline"] {
		f.Cmdline = flags.Cmdline
	}
	if set["cpus"] {
		f.CPUs = flags.CPUs
	}
	if set["memory"] {
		f.Memory = flags.Memory
	}
	if set["consoleLog"] {
		f.ConsoleLog = flags.ConsoleLog
	}
}

// Write encodes f as YAML at path.
func Write(path string, f File) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer out.Close()

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
