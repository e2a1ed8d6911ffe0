package machofile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// File is a parsed single-architecture Mach-O: header plus load-command
// table. The underlying bytes of every load command are retained verbatim
// so commands the core does not interpret round-trip byte-for-byte.
type File struct {
	FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load

	// base is the file-absolute offset at which this Mach-O begins; 0 for
	// a plain (non-fat) binary, the per-arch fat offset otherwise.
	base int64
}

// Open parses the Mach-O header and load-command table starting at
// offset base within r. size bounds how much of r belongs to this slice
// (the whole file for a thin binary, one fat_arch's span for a universal
// binary member).
func Open(r io.ReaderAt, base int64, size int64) (*File, error) {
	var magicBuf [4]byte
	if _, err := r.ReadAt(magicBuf[:], base); err != nil {
		return nil, fmt.Errorf("machofile: reading magic: %w", err)
	}
	order, magic, err := detectByteOrder(magicBuf)
	if err != nil {
		return nil, err
	}

	f := &File{ByteOrder: order, base: base}
	f.Magic = magic

	hdrLen := int64(headerSize32)
	if magic == Magic64 {
		hdrLen = headerSize64
	}
	hdrBuf := make([]byte, hdrLen)
	if _, err := r.ReadAt(hdrBuf, base); err != nil {
		return nil, fmt.Errorf("machofile: reading header: %w", err)
	}
	f.CPUType = order.Uint32(hdrBuf[4:8])
	f.CPUSubtype = order.Uint32(hdrBuf[8:12])
	f.FileType = order.Uint32(hdrBuf[12:16])
	f.NCommands = order.Uint32(hdrBuf[16:20])
	f.SizeCommands = order.Uint32(hdrBuf[20:24])
	f.Flags = order.Uint32(hdrBuf[24:28])
	if magic == Magic64 {
		f.Reserved = order.Uint32(hdrBuf[28:32])
	}

	if hdrLen+int64(f.SizeCommands) > size {
		return nil, fmt.Errorf("%w: load-command table overruns binary", ErrInvalidBinary)
	}

	lcBuf := make([]byte, f.SizeCommands)
	if _, err := r.ReadAt(lcBuf, base+hdrLen); err != nil {
		return nil, fmt.Errorf("machofile: reading load commands: %w", err)
	}

	off := 0
	for i := uint32(0); i < f.NCommands; i++ {
		if off+8 > len(lcBuf) {
			return nil, fmt.Errorf("%w: truncated load command table", ErrInvalidBinary)
		}
		cmd := LoadCmd(order.Uint32(lcBuf[off:off+4])).strip()
		cmdsize := order.Uint32(lcBuf[off+4 : off+8])
		if cmdsize < 8 || off+int(cmdsize) > len(lcBuf) {
			return nil, fmt.Errorf("%w: load command %d has invalid size", ErrInvalidBinary, i)
		}
		raw := lcBuf[off : off+int(cmdsize)]

		var l Load
		switch cmd {
		case LcSegment, LcSegment64:
			l = parseSegment(cmd, raw, order)
		case LcCodeSignature:
			l = parseCodeSignatureCmd(raw, order)
		default:
			l = &RawLoad{Cmd: cmd, Bytes: raw}
		}
		f.Loads = append(f.Loads, l)
		off += int(cmdsize)
	}

	return f, nil
}

func detectByteOrder(magicBuf [4]byte) (binary.ByteOrder, Magic, error) {
	be := binary.BigEndian.Uint32(magicBuf[:])
	le := binary.LittleEndian.Uint32(magicBuf[:])
	switch {
	case le == uint32(Magic32):
		return binary.LittleEndian, Magic32, nil
	case le == uint32(Magic64):
		return binary.LittleEndian, Magic64, nil
	case be == uint32(Magic32):
		return binary.BigEndian, Magic32, nil
	case be == uint32(Magic64):
		return binary.BigEndian, Magic64, nil
	default:
		return nil, 0, fmt.Errorf("%w: unrecognized Mach-O magic %#08x", ErrInvalidBinary, be)
	}
}

func parseSegment(cmd LoadCmd, raw []byte, order binary.ByteOrder) *Segment {
	s := &Segment{Cmd: cmd, raw: raw, order: order}
	if cmd == LcSegment64 {
		s.Name = cString(raw[8:24])
		s.Addr = order.Uint64(raw[24:32])
		s.Memsz = order.Uint64(raw[32:40])
		s.Offset = order.Uint64(raw[40:48])
		s.Filesz = order.Uint64(raw[48:56])
		s.Maxprot = order.Uint32(raw[56:60])
		s.Prot = order.Uint32(raw[60:64])
		s.Nsect = order.Uint32(raw[64:68])
		s.Flags = order.Uint32(raw[68:72])
	} else {
		s.Name = cString(raw[8:24])
		s.Addr = uint64(order.Uint32(raw[24:28]))
		s.Memsz = uint64(order.Uint32(raw[28:32]))
		s.Offset = uint64(order.Uint32(raw[32:36]))
		s.Filesz = uint64(order.Uint32(raw[36:40]))
		s.Maxprot = order.Uint32(raw[40:44])
		s.Prot = order.Uint32(raw[44:48])
		s.Nsect = order.Uint32(raw[48:52])
		s.Flags = order.Uint32(raw[52:56])
	}
	return s
}

// CodeSignatureCmd is a linkedit_data_command of type LC_CODE_SIGNATURE.
type CodeSignatureCmd struct {
	DataOffset uint32
	DataSize   uint32
	raw        []byte
}

func (c *CodeSignatureCmd) Command() LoadCmd { return LcCodeSignature }
func (c *CodeSignatureCmd) Raw() []byte      { return c.raw }

func parseCodeSignatureCmd(raw []byte, order binary.ByteOrder) *CodeSignatureCmd {
	return &CodeSignatureCmd{
		DataOffset: order.Uint32(raw[8:12]),
		DataSize:   order.Uint32(raw[12:16]),
		raw:        raw,
	}
}

// Is64 reports whether the file uses the 64-bit Mach-O header/segment
// commands.
func (f *File) Is64() bool { return f.Magic == Magic64 }

func (f *File) headerLen() int64 {
	if f.Is64() {
		return headerSize64
	}
	return headerSize32
}

// Segments returns every LC_SEGMENT/LC_SEGMENT_64 command in load order.
func (f *File) Segments() []*Segment {
	var out []*Segment
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok {
			out = append(out, s)
		}
	}
	return out
}

// Segment returns the named segment, or nil.
func (f *File) Segment(name string) *Segment {
	for _, s := range f.Segments() {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// CodeSignature returns the LC_CODE_SIGNATURE command and its index in
// Loads, or (nil, -1) if the binary is unsigned.
func (f *File) CodeSignature() (*CodeSignatureCmd, int) {
	for i, l := range f.Loads {
		if cs, ok := l.(*CodeSignatureCmd); ok {
			return cs, i
		}
	}
	return nil, -1
}
