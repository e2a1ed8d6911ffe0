package machofile

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildFatBinary(t *testing.T, arch1, arch2 []byte) []byte {
	t.Helper()
	arches := []FatArch{
		{CPUType: 0x0100000c, CPUSubtype: 0, Align: 14}, // arm64, 16KiB aligned
		{CPUType: 0x01000007, CPUSubtype: 3, Align: 12}, // x86_64, 4KiB aligned
	}
	return Rebuild(arches, [][]byte{arch1, arch2})
}

func TestOpenFatRoundTrip(t *testing.T) {
	arch1 := buildThinMachO(t, 0x200, 0x120, 0x50)
	arch2 := buildThinMachO(t, 0x300, 0x120, 0x60)
	fat := buildFatBinary(t, arch1, arch2)

	ff, err := OpenFat(bytes.NewReader(fat), int64(len(fat)))
	if err != nil {
		t.Fatalf("OpenFat: %v", err)
	}
	if len(ff.Files) != 2 {
		t.Fatalf("expected 2 architecture slices, got %d", len(ff.Files))
	}
	if ff.Arches[0].CPUType != 0x0100000c || ff.Arches[1].CPUType != 0x01000007 {
		t.Errorf("unexpected cpu types: %+v", ff.Arches)
	}
	for i, want := range [][]byte{arch1, arch2} {
		loc, err := ff.Files[i].Locate()
		if err != nil {
			t.Fatalf("arch %d Locate: %v", i, err)
		}
		if loc.HasSignature {
			t.Errorf("arch %d: expected no signature", i)
		}
		if int(ff.Arches[i].Size) != len(want) {
			t.Errorf("arch %d: fat_arch size = %d, want %d", i, ff.Arches[i].Size, len(want))
		}
		off := ff.Arches[i].Offset
		if !bytes.Equal(fat[off:int(off)+len(want)], want) {
			t.Errorf("arch %d: embedded bytes do not match original arch bytes", i)
		}
		align := uint32(1) << ff.Arches[i].Align
		if off%align != 0 {
			t.Errorf("arch %d: offset %#x not aligned to %#x", i, off, align)
		}
	}
}

func TestFatHeaderBigEndian(t *testing.T) {
	arch1 := buildThinMachO(t, 0x200, 0x120, 0x50)
	fat := buildFatBinary(t, arch1, arch1)
	if binary.BigEndian.Uint32(fat[0:4]) != uint32(MagicFat) {
		t.Errorf("fat header magic must be big-endian regardless of host byte order")
	}
	if binary.BigEndian.Uint32(fat[4:8]) != 2 {
		t.Errorf("expected nfat_arch == 2")
	}
}
