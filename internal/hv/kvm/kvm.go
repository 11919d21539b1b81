//go:build linux && amd64

package kvm

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/tinyrange/microvm/internal/hv"
	"golang.org/x/sys/unix"
)

type hostMemory struct {
	mem []byte
}

func (m *hostMemory) Bytes() []byte { return m.mem }

func (m *hostMemory) Close() error {
	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("kvm: munmap guest memory: %w", err)
	}
	return nil
}

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	configured bool
}

func (v *virtualCPU) ID() int { return v.id }

// requestImmediateExit makes an in-flight KVM_RUN on thread tid return
// EINTR. immediate_exit covers the window before the thread enters the
// ioctl.
func (v *virtualCPU) requestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	run.immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

func (v *virtualCPU) Close() error {
	if v.run == nil {
		return nil
	}
	if err := unix.Munmap(v.run); err != nil {
		slog.Error("kvm: munmap vcpu run", "vcpu", v.id, "error", err)
	}
	v.run = nil
	if err := unix.Close(v.fd); err != nil {
		return fmt.Errorf("kvm: close vcpu %d: %w", v.id, err)
	}
	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv       *hypervisor
	vmFd     int
	mmapSize int

	mu       sync.Mutex
	vcpus    map[int]*virtualCPU
	nextSlot uint32

	hasIRQChip bool
}

// MapMemory implements hv.VirtualMachine.
func (v *virtualMachine) MapMemory(region hv.MemoryRegion) error {
	if len(region.Data) == 0 {
		return fmt.Errorf("kvm: map %s: empty region", region.Name)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var flags uint32
	if region.Perm&hv.PermWrite == 0 {
		flags |= kvmMemReadonly
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          v.nextSlot,
		Flags:         flags,
		GuestPhysAddr: region.Base,
		MemorySize:    region.Size(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&region.Data[0]))),
	}); err != nil {
		return hv.NewHypervisorError("KVM_SET_USER_MEMORY_REGION", err)
	}
	v.nextSlot++

	slog.Debug("kvm: mapped guest memory",
		"name", region.Name,
		"base", fmt.Sprintf("%#x", region.Base),
		"size", fmt.Sprintf("%#x", region.Size()),
		"perm", region.Perm)

	return nil
}

// NewVirtualCPU implements hv.VirtualMachine.
func (v *virtualMachine) NewVirtualCPU(id int) (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("kvm: vCPU %d already exists", id)
	}

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, hv.NewHypervisorError("KVM_CREATE_VCPU", err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		v.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, hv.NewHypervisorError("mmap kvm_run", err)
	}

	vcpu := &virtualCPU{
		vm:  v,
		id:  id,
		fd:  vcpuFd,
		run: run,
	}
	v.vcpus[id] = vcpu

	return vcpu, nil
}

// SetIRQ implements hv.VirtualMachine.
func (v *virtualMachine) SetIRQ(line uint32, level bool) error {
	if !v.hasIRQChip {
		return nil
	}
	if err := irqLevel(v.vmFd, line, level); err != nil {
		return hv.NewHypervisorError("KVM_IRQ_LINE", err)
	}
	return nil
}

// Close implements hv.VirtualMachine. vCPUs must be closed by their owners
// first; any left open are closed here.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, vcpu := range v.vcpus {
		if err := vcpu.Close(); err != nil {
			slog.Error("kvm: close vcpu", "vcpu", id, "error", err)
		}
	}
	v.vcpus = nil

	if v.vmFd < 0 {
		return nil
	}
	fd := v.vmFd
	v.vmFd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("kvm: close vm fd: %w", err)
	}
	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int

	cpuidOnce sync.Once
	cpuid     []byte
	cpuidErr  error
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// AllocateMemory implements hv.Hypervisor.
func (h *hypervisor) AllocateMemory(size uint64) (hv.HostMemory, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("kvm: allocate memory: invalid size %d", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_NORESERVE,
	)
	if err != nil {
		return nil, hv.NewHypervisorError("mmap guest memory", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		// KSM may be compiled out; the memory is still usable.
		slog.Debug("kvm: madvise guest memory", "error", err)
	}

	return &hostMemory{mem: mem}, nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount < 1 {
		return nil, fmt.Errorf("kvm: invalid vCPU count %d", config.CPUCount)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return nil, hv.NewHypervisorError("KVM_GET_VCPU_MMAP_SIZE", err)
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, hv.NewHypervisorError("KVM_CREATE_VM", err)
	}

	vm := &virtualMachine{
		hv:       h,
		vmFd:     vmFd,
		mmapSize: mmapSize,
		vcpus:    make(map[int]*virtualCPU),
	}

	if err := h.archVMInit(vm, config); err != nil {
		unix.Close(vmFd)
		return nil, err
	}

	return vm, nil
}

func (h *hypervisor) supportedCPUID() ([]byte, error) {
	h.cpuidOnce.Do(func() {
		buf, err := getSupportedCpuId(h.fd)
		if err != nil {
			h.cpuidErr = hv.NewHypervisorError("KVM_GET_SUPPORTED_CPUID", err)
			return
		}
		h.cpuid = buf
	})
	return h.cpuid, h.cpuidErr
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// Open opens /dev/kvm and checks the API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, hv.NewHypervisorError("KVM_GET_API_VERSION", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
