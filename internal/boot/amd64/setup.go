package amd64

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	headerMagic = "HdrS"

	// MinProtocolVersion is the oldest boot protocol with cmdline_size and
	// a usable initrd_addr_max.
	MinProtocolVersion = 0x0206

	LoadFlagLoadedHigh = 1 << 0
	LoadFlagCanUseHeap = 1 << 7

	XLoadFlagKernel64 = 1 << 0

	// HeapEndPtr leaves the setup heap ending just below 0xfe00 + 0x200.
	HeapEndPtr = 0xfe00

	typeOfLoaderUndefined = 0xff
	bootFlag              = 0xaa55

	// DefaultCmdlineSize is the limit used when the image carries no setup
	// header of its own. It matches the 255 bytes boot protocols before
	// 2.06 guarantee.
	DefaultCmdlineSize  = 255
	defaultInitrdMax    = 0x37ffffff
	defaultKernelAlign  = 0x01000000
	defaultProtocolVers = 0x020f
)

var (
	ErrNoSetupHeader      = errors.New("missing HdrS signature")
	ErrOldBootProtocol    = errors.New("boot protocol too old")
	ErrNotLoadedHigh      = errors.New("kernel is not loaded high")
	ErrTruncatedSetupArea = errors.New("setup area extends past end of image")
)

// SetupHeader is the subset of the Linux/x86 setup header a direct-boot
// loader reads or fills in.
type SetupHeader struct {
	SetupSectors      uint8
	ProtocolVersion   uint16
	LoadFlags         uint8
	Code32Start       uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32

	// raw is the packed header as found in the image, copied verbatim into
	// the zero page before individual fields are patched.
	raw []byte
}

// DefaultSetupHeader describes an image without a setup area, such as an
// uncompressed vmlinux.
func DefaultSetupHeader() *SetupHeader {
	return &SetupHeader{
		ProtocolVersion: defaultProtocolVers,
		LoadFlags:       LoadFlagLoadedHigh,
		InitrdAddrMax:   defaultInitrdMax,
		KernelAlignment: defaultKernelAlign,
		CmdlineSize:     DefaultCmdlineSize,
	}
}

// HasSetupHeader reports whether data carries the HdrS signature.
func HasSetupHeader(data []byte) bool {
	return len(data) >= headerMagicOffset+4 && string(data[headerMagicOffset:headerMagicOffset+4]) == headerMagic
}

// ParseSetupHeader reads the setup header of a bzImage and checks that it
// can be booted directly at 1 MiB.
func ParseSetupHeader(data []byte) (*SetupHeader, error) {
	if !HasSetupHeader(data) {
		return nil, ErrNoSetupHeader
	}
	if len(data) < initSizeOffset+4 {
		return nil, ErrTruncatedSetupArea
	}

	headerEnd := headerMagicOffset + int(data[headerLengthOffset])
	if headerEnd > len(data) || headerEnd > ZeroPageSize {
		return nil, ErrTruncatedSetupArea
	}
	if headerEnd <= setupHeaderOffset {
		return nil, fmt.Errorf("invalid setup header length %d", headerEnd-setupHeaderOffset)
	}

	hdr := &SetupHeader{
		SetupSectors:      data[setupSectsOffset],
		ProtocolVersion:   binary.LittleEndian.Uint16(data[protocolVersionOffset:]),
		LoadFlags:         data[loadFlagsOffset],
		Code32Start:       binary.LittleEndian.Uint32(data[code32StartOffset:]),
		InitrdAddrMax:     binary.LittleEndian.Uint32(data[initrdAddrMaxOffset:]),
		KernelAlignment:   binary.LittleEndian.Uint32(data[kernelAlignmentOffset:]),
		RelocatableKernel: data[relocatableKernelOffset],
		MinAlignment:      data[minAlignmentOffset],
		CmdlineSize:       binary.LittleEndian.Uint32(data[cmdlineSizeOffset:]),
		raw:               append([]byte(nil), data[setupHeaderOffset:headerEnd]...),
	}
	// Fields added after 2.06 are setup code in older images.
	if hdr.ProtocolVersion >= 0x020a {
		hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset:])
		hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset:])
	}
	if hdr.ProtocolVersion >= 0x020c {
		hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	}

	if hdr.ProtocolVersion < MinProtocolVersion {
		return nil, fmt.Errorf("%w: version %d.%02d", ErrOldBootProtocol, hdr.ProtocolVersion>>8, hdr.ProtocolVersion&0xff)
	}
	if hdr.LoadFlags&LoadFlagLoadedHigh == 0 {
		return nil, ErrNotLoadedHigh
	}
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	if hdr.PayloadOffset() >= len(data) {
		return nil, fmt.Errorf("%w: payload offset %d, image size %d", ErrTruncatedSetupArea, hdr.PayloadOffset(), len(data))
	}
	return hdr, nil
}

// PayloadOffset is where the protected-mode kernel starts in the image.
func (h *SetupHeader) PayloadOffset() int {
	return (int(h.SetupSectors) + 1) * 512
}

// Kernel64 reports whether the image has a 64-bit entry point at 0x200
// past its load address.
func (h *SetupHeader) Kernel64() bool {
	return h.XLoadFlags&XLoadFlagKernel64 != 0
}

// writeTo copies the header into a zero page and applies the loader fields.
// Fields the image owns are only synthesized when there is no raw header.
func (h *SetupHeader) writeTo(zp []byte) {
	if len(h.raw) > 0 {
		copy(zp[setupHeaderOffset:], h.raw)
	} else {
		binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], bootFlag)
		copy(zp[setupHeaderHeaderOffset:], headerMagic)
		binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], h.ProtocolVersion)
		binary.LittleEndian.PutUint32(zp[code32StartOffset:], h.Code32Start)
		binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], h.InitrdAddrMax)
		binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], h.KernelAlignment)
		zp[relocatableKernelOffset] = h.RelocatableKernel
		zp[minAlignmentOffset] = h.MinAlignment
		binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], h.XLoadFlags)
		binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], h.CmdlineSize)
		binary.LittleEndian.PutUint64(zp[prefAddressOffset:], h.PrefAddress)
		binary.LittleEndian.PutUint32(zp[initSizeOffset:], h.InitSize)
	}
	zp[setupSectsOffset] = h.SetupSectors
	zp[typeOfLoaderOffset] = typeOfLoaderUndefined
	zp[loadFlagsOffset] = h.LoadFlags | LoadFlagCanUseHeap
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], HeapEndPtr)
}
