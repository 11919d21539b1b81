package acpi

import (
	"encoding/binary"
	"testing"
)

type memory []byte

func (m memory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m[off:], p), nil
}

func sum(b []byte) uint8 {
	var s uint8
	for _, v := range b {
		s += v
	}
	return s
}

func TestTables(t *testing.T) {
	const base = RSDPAddr
	mem := make(memory, base+0x1000)

	n, err := Install(mem, base, 4)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	blob := mem[base : base+n]

	if string(blob[:8]) != "RSD PTR " {
		t.Fatalf("RSDP signature %q", blob[:8])
	}
	if blob[15] != 2 {
		t.Fatalf("RSDP revision %d", blob[15])
	}
	if sum(blob[:20]) != 0 || sum(blob[:36]) != 0 {
		t.Fatalf("RSDP checksums do not verify")
	}

	xsdtAddr := binary.LittleEndian.Uint64(blob[24:])
	xsdt := mem[xsdtAddr:]
	if string(xsdt[:4]) != "XSDT" {
		t.Fatalf("XSDT signature %q", xsdt[:4])
	}
	xsdtLen := binary.LittleEndian.Uint32(xsdt[4:])
	if xsdtLen != 36+8 || sum(xsdt[:xsdtLen]) != 0 {
		t.Fatalf("XSDT length %d checksum %d", xsdtLen, sum(xsdt[:xsdtLen]))
	}

	madtAddr := binary.LittleEndian.Uint64(xsdt[36:])
	madt := mem[madtAddr:]
	madtLen := binary.LittleEndian.Uint32(madt[4:])
	if string(madt[:4]) != "APIC" || sum(madt[:madtLen]) != 0 {
		t.Fatalf("MADT %q checksum %d", madt[:4], sum(madt[:madtLen]))
	}
	if got := binary.LittleEndian.Uint32(madt[36:]); got != LocalAPICAddr {
		t.Fatalf("local APIC address %#x", got)
	}
	if madtAddr+uint64(madtLen) != base+n {
		t.Fatalf("MADT ends at %#x, blob at %#x", madtAddr+uint64(madtLen), base+n)
	}

	var lapics []uint8
	for off := 44; off < int(madtLen); {
		typ, length := madt[off], int(madt[off+1])
		switch typ {
		case madtTypeIOAPIC:
			if got := binary.LittleEndian.Uint32(madt[off+4:]); got != IOAPICAddr {
				t.Fatalf("IOAPIC address %#x", got)
			}
		case madtTypeLocalAPIC:
			if madt[off+4]&madtLAPICEnabled == 0 {
				t.Fatalf("local APIC %d not enabled", madt[off+3])
			}
			lapics = append(lapics, madt[off+3])
		default:
			t.Fatalf("unexpected MADT entry type %d", typ)
		}
		off += length
	}
	if len(lapics) != 4 {
		t.Fatalf("found %d local APICs", len(lapics))
	}
	for i, id := range lapics {
		if int(id) != i {
			t.Fatalf("local APIC %d has id %d", i, id)
		}
	}
}

func TestTablesRejectsCPUCount(t *testing.T) {
	for _, n := range []int{0, MaxCPUs + 1} {
		if _, err := Tables(RSDPAddr, n); err == nil {
			t.Fatalf("expected error for %d CPUs", n)
		}
	}
}

func TestEncoderKeepsFirstError(t *testing.T) {
	var e encoder
	e.put(uint16(0x1234))
	e.put(struct{ Name string }{"madt"})
	first := e.err
	if first == nil {
		t.Fatal("encoding a string field did not fail")
	}
	e.put(uint32(1))
	if e.err != first {
		t.Fatalf("err = %v, want the first error %v", e.err, first)
	}
	if len(e.buf) != 2 || binary.LittleEndian.Uint16(e.buf) != 0x1234 {
		t.Fatalf("buf = %x", e.buf)
	}
}
