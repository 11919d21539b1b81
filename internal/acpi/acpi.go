// Package acpi builds the minimal ACPI tables a guest kernel needs to find
// its processors and interrupt controllers: an RSDP pointing at an XSDT
// that lists a single MADT.
package acpi

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// RSDPAddr is inside the BIOS read-only area the kernel scans for the
	// RSDP signature.
	RSDPAddr = 0xe0000

	LocalAPICAddr = 0xfee00000
	IOAPICAddr    = 0xfec00000

	// MaxCPUs is the number of local APIC entries with an 8-bit APIC ID.
	MaxCPUs = 255

	madtTypeLocalAPIC = 0
	madtTypeIOAPIC    = 1
	madtLAPICEnabled  = 1

	rsdpChecksumLength = 20
)

var oemID = [6]byte{'M', 'I', 'C', 'R', 'V', 'M'}

type rsdp struct {
	Signature        [8]byte
	Checksum         uint8
	OEMID            [6]byte
	Revision         uint8
	RSDTAddress      uint32
	Length           uint32
	XSDTAddress      uint64
	ExtendedChecksum uint8
	Reserved         [3]byte
}

type header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

type madt struct {
	Header           header
	LocalAPICAddress uint32
	Flags            uint32
}

type madtIOAPIC struct {
	Type          uint8
	Length        uint8
	ID            uint8
	Reserved      uint8
	Address       uint32
	GlobalIRQBase uint32
}

type madtLocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

var (
	rsdpSize   = binary.Size(rsdp{})
	headerSize = binary.Size(header{})
)

// Tables renders RSDP, XSDT and MADT for cpus processors as one blob to be
// placed at base. Each table is 16-byte aligned within the blob.
func Tables(base uint64, cpus int) ([]byte, error) {
	if cpus < 1 || cpus > MaxCPUs {
		return nil, fmt.Errorf("acpi: cannot describe %d CPUs", cpus)
	}

	xsdtOff := alignUp(rsdpSize, 16)
	xsdtSize := headerSize + 8
	madtOff := alignUp(xsdtOff+xsdtSize, 16)

	var madtEnc encoder
	madtEnc.put(&madt{
		Header:           newHeader("APIC", 6),
		LocalAPICAddress: LocalAPICAddr,
	})
	madtEnc.put(&madtIOAPIC{
		Type:    madtTypeIOAPIC,
		Length:  uint8(binary.Size(madtIOAPIC{})),
		Address: IOAPICAddr,
	})
	for id := range cpus {
		madtEnc.put(&madtLocalAPIC{
			Type:        madtTypeLocalAPIC,
			Length:      uint8(binary.Size(madtLocalAPIC{})),
			ProcessorID: uint8(id),
			APICID:      uint8(id),
			Flags:       madtLAPICEnabled,
		})
	}
	if madtEnc.err != nil {
		return nil, fmt.Errorf("acpi: encode MADT: %w", madtEnc.err)
	}
	madtBytes := madtEnc.buf
	finishTable(madtBytes)

	var xsdtEnc encoder
	xsdt := newHeader("XSDT", 1)
	xsdtEnc.put(&xsdt)
	xsdtEnc.put(base + uint64(madtOff))
	if xsdtEnc.err != nil {
		return nil, fmt.Errorf("acpi: encode XSDT: %w", xsdtEnc.err)
	}
	xsdtBytes := xsdtEnc.buf
	finishTable(xsdtBytes)

	var rsdpEnc encoder
	rsdpEnc.put(&rsdp{
		Signature:   [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '},
		OEMID:       oemID,
		Revision:    2,
		Length:      uint32(rsdpSize),
		XSDTAddress: base + uint64(xsdtOff),
	})
	if rsdpEnc.err != nil {
		return nil, fmt.Errorf("acpi: encode RSDP: %w", rsdpEnc.err)
	}
	rsdpBytes := rsdpEnc.buf
	rsdpBytes[8] = checksum(rsdpBytes[:rsdpChecksumLength])
	rsdpBytes[32] = checksum(rsdpBytes)

	out := make([]byte, madtOff+len(madtBytes))
	copy(out, rsdpBytes)
	copy(out[xsdtOff:], xsdtBytes)
	copy(out[madtOff:], madtBytes)
	return out, nil
}

// Install writes the tables to guest memory at base and returns the number
// of bytes used.
func Install(mem io.WriterAt, base uint64, cpus int) (uint64, error) {
	blob, err := Tables(base, cpus)
	if err != nil {
		return 0, err
	}
	if _, err := mem.WriteAt(blob, int64(base)); err != nil {
		return 0, fmt.Errorf("acpi: write tables at %#x: %w", base, err)
	}
	return uint64(len(blob)), nil
}

func newHeader(sig string, revision uint8) header {
	h := header{
		Revision:        revision,
		OEMID:           oemID,
		OEMRevision:     1,
		CreatorRevision: 1,
	}
	copy(h.Signature[:], sig)
	copy(h.OEMTableID[:], "MICROVM ")
	copy(h.CreatorID[:], "MCVM")
	return h
}

// finishTable fills in the length and checksum of a serialized table.
func finishTable(b []byte) {
	binary.LittleEndian.PutUint32(b[4:], uint32(len(b)))
	b[9] = 0
	b[9] = checksum(b)
}

// checksum returns the byte that makes b sum to zero.
func checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}

// encoder appends little-endian values and keeps the first error.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) put(v any) {
	if e.err != nil {
		return
	}
	b, err := binary.Append(e.buf, binary.LittleEndian, v)
	if err != nil {
		e.err = err
		return
	}
	e.buf = b
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
