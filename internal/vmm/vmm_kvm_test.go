//go:build linux && amd64

package vmm

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/microvm/internal/boot/boottest"
	"github.com/tinyrange/microvm/internal/hv/kvm"
)

// enableLongMode prints the CPUID long mode bit, sets EFER.LME, prints
// 'K' and resets the machine through the keyboard controller.
var enableLongMode = []byte{
	0xb8, 0x01, 0x00, 0x00, 0x80, // mov eax, 0x80000001
	0x0f, 0xa2, // cpuid
	0x0f, 0xba, 0xe2, 0x1d, // bt edx, 29
	0x0f, 0x92, 0xc0, // setc al
	0x04, '0', // add al, '0'
	0x66, 0xba, 0xf8, 0x03, // mov dx, 0x3f8
	0xee,                         // out dx, al
	0xb9, 0x80, 0x00, 0x00, 0xc0, // mov ecx, 0xc0000080
	0x0f, 0x32, // rdmsr
	0x0f, 0xba, 0xe8, 0x08, // bts eax, 8
	0x0f, 0x30, // wrmsr
	0xb0, 'K', // mov al, 'K'
	0x66, 0xba, 0xf8, 0x03, // mov dx, 0x3f8
	0xee,       // out dx, al
	0xb0, 0xfe, // mov al, 0xfe
	0xe6, 0x64, // out 0x64, al
	0xf4, 0xeb, 0xfd, // hlt; jmp $-1
}

func TestThirtyTwoBitEntryCanEnableLongMode(t *testing.T) {
	h, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	defer h.Close()

	const entry = 0x100000
	tests := []struct {
		name   string
		kernel []byte
	}{
		{"pvh", boottest.PVH(entry, enableLongMode)},
		{"multiboot", boottest.Multiboot(entry, enableLongMode)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var console bytes.Buffer
			cfg := Config{
				Kernel:     tt.kernel,
				Cmdline:    "console=ttyS0",
				CPUs:       1,
				MemorySize: testMemory,
				Console:    &console,
				Hypervisor: h,
				Clock:      fixedClock,
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			out, err := Run(ctx, cfg)
			require.NoError(t, err)
			assert.Equal(t, NormalShutdown, out.Kind)
			assert.Equal(t, ShutdownReset, out.Shutdown, "a triple fault here means wrmsr EFER raised #GP")
			assert.Equal(t, "1K", console.String())
		})
	}
}
