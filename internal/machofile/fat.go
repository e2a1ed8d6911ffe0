package machofile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FatArch is one member of a universal binary's architecture table.
// fat_header/fat_arch are always big-endian regardless of host byte order.
type FatArch struct {
	CPUType    uint32
	CPUSubtype uint32
	Offset     uint32
	Size       uint32
	Align      uint32
}

// FatFile is a parsed universal binary: the fat header plus one *File per
// architecture slice.
type FatFile struct {
	Arches []FatArch
	Files  []*File
}

// OpenFat parses a universal binary. r must also satisfy io.ReaderAt
// semantics over the whole file; size is the total file length.
func OpenFat(r io.ReaderAt, size int64) (*FatFile, error) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("machofile: reading fat header: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != uint32(MagicFat) {
		return nil, fmt.Errorf("%w: not a fat binary", ErrInvalidBinary)
	}
	n := binary.BigEndian.Uint32(hdr[4:8])

	const archLen = 20
	buf := make([]byte, int(n)*archLen)
	if _, err := r.ReadAt(buf, 8); err != nil {
		return nil, fmt.Errorf("machofile: reading fat_arch table: %w", err)
	}

	ff := &FatFile{}
	for i := uint32(0); i < n; i++ {
		rec := buf[i*archLen : i*archLen+archLen]
		arch := FatArch{
			CPUType:    binary.BigEndian.Uint32(rec[0:4]),
			CPUSubtype: binary.BigEndian.Uint32(rec[4:8]),
			Offset:     binary.BigEndian.Uint32(rec[8:12]),
			Size:       binary.BigEndian.Uint32(rec[12:16]),
			Align:      binary.BigEndian.Uint32(rec[16:20]),
		}
		if int64(arch.Offset)+int64(arch.Size) > size {
			return nil, fmt.Errorf("%w: fat_arch %d overruns file", ErrInvalidBinary, i)
		}
		ff.Arches = append(ff.Arches, arch)

		inner, err := Open(r, int64(arch.Offset), int64(arch.Size))
		if err != nil {
			return nil, fmt.Errorf("machofile: fat_arch %d: %w", i, err)
		}
		ff.Files = append(ff.Files, inner)
	}
	return ff, nil
}

// Rebuild assembles a full fat-binary image from the (possibly rewritten)
// per-architecture byte slices, repacking them sequentially in order after
// the fat header, each at the next offset aligned to its original
// alignment. The original per-arch offsets are not reused. archBytes must
// be parallel to arches.
func Rebuild(arches []FatArch, archBytes [][]byte) []byte {
	const archLen = 20
	headerLen := 8 + len(arches)*archLen

	newArches := make([]FatArch, len(arches))
	offset := uint32(roundUp32(uint32(headerLen), 16))
	for i, a := range arches {
		align := uint32(1) << a.Align
		if align == 0 {
			align = 1
		}
		offset = roundUp32(offset, align)
		newArches[i] = FatArch{
			CPUType:    a.CPUType,
			CPUSubtype: a.CPUSubtype,
			Offset:     offset,
			Size:       uint32(len(archBytes[i])),
			Align:      a.Align,
		}
		offset += uint32(len(archBytes[i]))
	}

	out := make([]byte, 0, offset)
	hdr := make([]byte, headerLen)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(MagicFat))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(arches)))
	for i, a := range newArches {
		rec := hdr[8+i*archLen : 8+(i+1)*archLen]
		binary.BigEndian.PutUint32(rec[0:4], a.CPUType)
		binary.BigEndian.PutUint32(rec[4:8], a.CPUSubtype)
		binary.BigEndian.PutUint32(rec[8:12], a.Offset)
		binary.BigEndian.PutUint32(rec[12:16], a.Size)
		binary.BigEndian.PutUint32(rec[16:20], a.Align)
	}
	out = append(out, hdr...)

	for i, a := range newArches {
		if gap := int64(a.Offset) - int64(len(out)); gap > 0 {
			out = append(out, make([]byte, gap)...)
		}
		out = append(out, archBytes[i]...)
	}
	return out
}

func roundUp32(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
