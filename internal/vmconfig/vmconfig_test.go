package vmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"4096", 4096},
		{"64M", 64 << 20},
		{"64MB", 64 << 20},
		{"64mb", 64 << 20},
		{"512K", 512 << 10},
		{"2G", 2 << 30},
		{"3GB", 3 << 30},
		{"100B", 100},
		{" 1M ", 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeErrors(t *testing.T) {
	for _, in := range []string{"", "M", "B", "1T", "-1M", "1.5G", "1BB", "17179869184G"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSize(in)
			assert.ErrorIs(t, err, ErrInvalidSize)
		})
	}
}

func TestSizeString(t *testing.T) {
	assert.Equal(t, "64M", Size(64<<20).String())
	assert.Equal(t, "2G", Size(2<<30).String())
	assert.Equal(t, "3K", Size(3<<10).String())
	assert.Equal(t, "1000", Size(1000).String())
	assert.Equal(t, "0", Size(0).String())
}

func TestParseFile(t *testing.T) {
	f, err := Parse([]byte(`
kernel: vmlinux
initrd: initrd.cpio
modules:
  - path: mods/extra.bin
  - name: firmware
    path: /abs/fw.bin
cmdline: console=ttyS0 quiet
cpus: 4
memory: 256M
`))
	require.NoError(t, err)
	assert.Equal(t, "vmlinux", f.Kernel)
	assert.Equal(t, 4, f.CPUs)
	assert.Equal(t, Size(256<<20), f.Memory)
	require.Len(t, f.Modules, 2)

	f.resolve("/etc/vms")
	f.Normalize()
	assert.Equal(t, "/etc/vms/vmlinux", f.Kernel)
	assert.Equal(t, "/etc/vms/initrd.cpio", f.Initrd)
	assert.Equal(t, Module{Name: "extra.bin", Path: "/etc/vms/mods/extra.bin"}, f.Modules[0])
	assert.Equal(t, Module{Name: "firmware", Path: "/abs/fw.bin"}, f.Modules[1])
	assert.Equal(t, "console=ttyS0 quiet", f.Cmdline)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("kernel: a\nmemroy: 1G\n"))
	require.Error(t, err)
}

func TestParseRejectsBadSize(t *testing.T) {
	_, err := Parse([]byte("memory: lots\n"))
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestNormalizeDefaults(t *testing.T) {
	f, err := Parse(nil)
	require.NoError(t, err)
	f.Normalize()
	assert.Equal(t, DefaultCPUs, f.CPUs)
	assert.Equal(t, DefaultMemory, f.Memory)
	assert.Equal(t, DefaultCmdline, f.Cmdline)
}

func TestMergeOnlyExplicitFlags(t *testing.T) {
	f := File{Kernel: "a", CPUs: 2, Memory: 1 << 30, Cmdline: "from-file"}
	flags := File{Kernel: "b", CPUs: 8, Memory: DefaultMemory, Cmdline: DefaultCmdline}

	f.Merge(flags, map[string]bool{"cpus": true})
	assert.Equal(t, "a", f.Kernel)
	assert.Equal(t, 8, f.CPUs)
	assert.Equal(t, Size(1<<30), f.Memory)
	assert.Equal(t, "from-file", f.Cmdline)
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.yaml")
	in := File{Kernel: "bzImage", CPUs: 2, Memory: 128 << 20, Cmdline: "quiet"}
	require.NoError(t, Write(path, in))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "memory: 128M")

	out, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bzImage"), out.Kernel)
	assert.Equal(t, in.Memory, out.Memory)
	assert.Equal(t, in.CPUs, out.CPUs)
}
