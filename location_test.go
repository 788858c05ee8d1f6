package deopt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// fakeMemory is a memoryReader backed by a plain map, standing in for
// liveProcessMemory in tests so Direct-location resolution can be
// exercised without touching real process addresses.
type fakeMemory map[uint64][]byte

func (m fakeMemory) Read(addr uint64, out []byte) error {
	src, ok := m[addr]
	if !ok {
		return newFatal(CategoryLocation, "fakeMemory: no data at address")
	}
	copy(out, src)
	return nil
}

func TestResolveLocationRegister(t *testing.T) {
	var regs RegisterFile
	regs[3] = 0xdeadbeef

	loc := Location{Kind: LocRegister, DwarfRegNum: 3}
	rv, err := resolveLocation(loc, &regs, 0, 8, nil)
	if err != nil {
		t.Fatalf("resolveLocation: %v", err)
	}
	got := binary.LittleEndian.Uint64(rv.bytes)
	if got != 0xdeadbeef {
		t.Errorf("resolved register value = 0x%x, want 0xdeadbeef", got)
	}
}

func TestResolveLocationDirect(t *testing.T) {
	var regs RegisterFile
	mem := fakeMemory{0x2000 - 8: []byte{1, 2, 3, 4, 5, 6, 7, 8}}

	loc := Location{Kind: LocDirect, Offset: -8}
	rv, err := resolveLocation(loc, &regs, 0x2000, 8, mem)
	if err != nil {
		t.Fatalf("resolveLocation: %v", err)
	}
	if !bytes.Equal(rv.bytes, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("resolved bytes = %v, want [1..8]", rv.bytes)
	}
}

func TestResolveLocationConstant(t *testing.T) {
	var regs RegisterFile
	loc := Location{Kind: LocConstant, Immediate: -1}
	rv, err := resolveLocation(loc, &regs, 0, 8, nil)
	if err != nil {
		t.Fatalf("resolveLocation: %v", err)
	}
	got := int64(binary.LittleEndian.Uint64(rv.bytes))
	if got != -1 {
		t.Errorf("sign-extended constant = %d, want -1", got)
	}
}

func TestResolveLocationIndirectIsUnimplemented(t *testing.T) {
	var regs RegisterFile
	loc := Location{Kind: LocIndirect}
	if _, err := resolveLocation(loc, &regs, 0, 8, nil); err == nil {
		t.Fatal("expected indirect resolution to fail, got nil error")
	}
}

func TestResolveConstIndex(t *testing.T) {
	pool := []uint64{0, 0x1122334455667788}
	loc := Location{Kind: LocConstIndex, Idx: 1}
	rv, err := resolveConstIndex(loc, pool, 8)
	if err != nil {
		t.Fatalf("resolveConstIndex: %v", err)
	}
	got := binary.LittleEndian.Uint64(rv.bytes)
	if got != pool[1] {
		t.Errorf("got %x, want %x", got, pool[1])
	}
}

func TestDecodeAsSize(t *testing.T) {
	pool := []uint64{64}
	cases := []struct {
		name string
		loc  Location
		want uint64
	}{
		{"constant", Location{Kind: LocConstant, Immediate: 8}, 8},
		{"const-index", Location{Kind: LocConstIndex, Idx: 0}, 64},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.loc.decodeAsSize(pool)
			if err != nil {
				t.Fatalf("decodeAsSize: %v", err)
			}
			if got != c.want {
				t.Errorf("got %d, want %d", got, c.want)
			}
		})
	}
}

func TestRegisterFileInvalidRegister(t *testing.T) {
	var regs RegisterFile
	if _, err := regs.Get(999); err == nil {
		t.Fatal("expected an error for an out-of-range register, got nil")
	}
	if err := regs.Set(999, 1); err == nil {
		t.Fatal("expected an error for an out-of-range register, got nil")
	}
}
