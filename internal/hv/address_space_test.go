package hv

import (
	"bytes"
	"errors"
	"testing"
)

func testRegions() []MemoryRegion {
	return []MemoryRegion{
		{Name: "low", Base: 0x0, Data: make([]byte, 0x1000), Perm: PermRWX},
		{Name: "mid", Base: 0x1000, Data: make([]byte, 0x2000), Perm: PermRWX},
		{Name: "high", Base: 0x10000, Data: make([]byte, 0x1000), Perm: PermRead | PermWrite},
	}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append([]int{}, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestAddressSpaceMapAnyOrder(t *testing.T) {
	for _, order := range permutations(3) {
		regions := testRegions()
		as := NewAddressSpace()
		for _, i := range order {
			if err := as.Map(regions[i]); err != nil {
				t.Fatalf("order %v: Map(%s): %v", order, regions[i].Name, err)
			}
		}

		got := as.Regions()
		if len(got) != 3 {
			t.Fatalf("order %v: got %d regions, want 3", order, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i-1].Base >= got[i].Base {
				t.Fatalf("order %v: regions not sorted: %+v", order, got)
			}
		}
		if as.Size() != 0x4000 {
			t.Fatalf("order %v: Size = 0x%x, want 0x4000", order, as.Size())
		}

		for _, r := range regions {
			want := bytes.Repeat([]byte{byte(r.Base >> 8), 0x5a}, 8)
			addr := r.End() - uint64(len(want))
			if err := as.Write(addr, want); err != nil {
				t.Fatalf("Write(0x%x): %v", addr, err)
			}
			got := make([]byte, len(want))
			if err := as.Read(addr, got); err != nil {
				t.Fatalf("Read(0x%x): %v", addr, err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("round trip at 0x%x: got %x want %x", addr, got, want)
			}
		}
	}
}

func TestAddressSpaceOverlapLeavesTableUnchanged(t *testing.T) {
	as := NewAddressSpace()
	for _, r := range testRegions() {
		if err := as.Map(r); err != nil {
			t.Fatalf("Map(%s): %v", r.Name, err)
		}
	}
	before := as.Regions()

	tests := []struct {
		name string
		base uint64
		size int
	}{
		{"same base", 0x1000, 0x10},
		{"tail overlap", 0xff0, 0x20},
		{"head overlap", 0x2ff0, 0x20},
		{"covers", 0xf000, 0x3000},
		{"inside", 0x10100, 0x10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := as.Map(MemoryRegion{Name: tt.name, Base: tt.base, Data: make([]byte, tt.size)})
			var overlap *OverlapError
			if !errors.As(err, &overlap) {
				t.Fatalf("Map = %v, want OverlapError", err)
			}
			if !errors.Is(err, ErrOverlap) {
				t.Fatalf("error %v does not match ErrOverlap", err)
			}
			after := as.Regions()
			if len(after) != len(before) {
				t.Fatalf("table changed: %d regions, want %d", len(after), len(before))
			}
			for i := range after {
				if after[i].Name != before[i].Name || after[i].Base != before[i].Base {
					t.Fatalf("table changed at %d: %+v", i, after[i])
				}
			}
		})
	}
}

func TestAddressSpaceUnmappedAccess(t *testing.T) {
	as := NewAddressSpace()
	for _, r := range testRegions() {
		if err := as.Map(r); err != nil {
			t.Fatalf("Map(%s): %v", r.Name, err)
		}
	}

	// 0x3000..0x10000 is a gap.
	buf := make([]byte, 4)
	if err := as.Read(0x2ffe, buf); !errors.Is(err, ErrUnmappedAccess) {
		t.Fatalf("Read across gap = %v, want ErrUnmappedAccess", err)
	}
	if err := as.Write(0x8000, buf); !errors.Is(err, ErrUnmappedAccess) {
		t.Fatalf("Write into gap = %v, want ErrUnmappedAccess", err)
	}
	if err := as.Read(0x10ffe, buf); !errors.Is(err, ErrUnmappedAccess) {
		t.Fatalf("Read past end = %v, want ErrUnmappedAccess", err)
	}

	// Adjacent regions are one contiguous range.
	if err := as.Write(0xffe, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write across adjacent regions: %v", err)
	}
	if err := as.Read(0xffe, buf); err != nil {
		t.Fatalf("Read across adjacent regions: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %x", buf)
	}
}

func TestAddressSpaceHoles(t *testing.T) {
	as := NewAddressSpace()
	if err := as.Map(MemoryRegion{Name: "ram", Base: 0, Data: make([]byte, 0x10000)}); err != nil {
		t.Fatal(err)
	}
	if err := as.DeclareHole("ioapic", 0xfec00000, 0x1000); err != nil {
		t.Fatalf("DeclareHole: %v", err)
	}
	if err := as.DeclareHole("bad", 0x8000, 0x1000); !errors.Is(err, ErrOverlap) {
		t.Fatalf("hole over RAM = %v, want ErrOverlap", err)
	}
	if err := as.Map(MemoryRegion{Name: "over-hole", Base: 0xfec00800, Data: make([]byte, 0x1000)}); !errors.Is(err, ErrOverlap) {
		t.Fatalf("RAM over hole = %v, want ErrOverlap", err)
	}

	if !as.IsMMIO(0xfec00010) {
		t.Fatal("IsMMIO(0xfec00010) = false")
	}
	if as.IsMMIO(0x100) {
		t.Fatal("IsMMIO(0x100) = true")
	}
	if _, _, ok := as.Lookup(0xfec00010); ok {
		t.Fatal("Lookup resolved an MMIO hole")
	}
	if err := as.Read(0xfec00000, make([]byte, 4)); !errors.Is(err, ErrUnmappedAccess) {
		t.Fatalf("Read from hole = %v, want ErrUnmappedAccess", err)
	}

	r, off, ok := as.Lookup(0x1234)
	if !ok || r.Name != "ram" || off != 0x1234 {
		t.Fatalf("Lookup(0x1234) = %s, 0x%x, %v", r.Name, off, ok)
	}
}

func TestAddressSpaceSlice(t *testing.T) {
	data := make([]byte, 0x2000)
	as := NewAddressSpace()
	if err := as.Map(MemoryRegion{Name: "ram", Base: 0x1000, Data: data}); err != nil {
		t.Fatal(err)
	}
	s, err := as.Slice(0x1800, 0x10)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	s[0] = 0xaa
	if data[0x800] != 0xaa {
		t.Fatal("Slice is not a view of the backing memory")
	}
	if _, err := as.Slice(0x2ff0, 0x20); !errors.Is(err, ErrUnmappedAccess) {
		t.Fatalf("Slice past end = %v, want ErrUnmappedAccess", err)
	}
}
