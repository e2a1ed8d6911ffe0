package machofile

import "encoding/binary"

// Section is a minimal view of a segment's section table, parsed only to
// answer "where does the first byte of real section data live" for the
// load-command slack check; section contents themselves are never read.
type Section struct {
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint32
}

// Segment is an LC_SEGMENT or LC_SEGMENT_64 command.
type Segment struct {
	Cmd      LoadCmd
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  uint32
	Prot     uint32
	Nsect    uint32
	Flags    uint32
	sections []Section
	raw      []byte
	order    binary.ByteOrder
}

func (s *Segment) Command() LoadCmd { return s.Cmd }
func (s *Segment) Raw() []byte      { return s.raw }

// Sections lazily parses the segment's section headers from its raw bytes.
func (s *Segment) Sections() []Section {
	if s.sections != nil || s.Nsect == 0 {
		return s.sections
	}
	order := s.order
	if s.Cmd == LcSegment64 {
		base := segment64HeaderLen
		for i := uint32(0); i < s.Nsect; i++ {
			off := base + int(i)*sect64Len
			if off+sect64Len > len(s.raw) {
				break
			}
			rec := s.raw[off : off+sect64Len]
			s.sections = append(s.sections, Section{
				Name:   cString(rec[0:16]),
				Addr:   order.Uint64(rec[32:40]),
				Size:   order.Uint64(rec[40:48]),
				Offset: order.Uint32(rec[48:52]),
			})
		}
	} else {
		base := segment32HeaderLen
		for i := uint32(0); i < s.Nsect; i++ {
			off := base + int(i)*sect32Len
			if off+sect32Len > len(s.raw) {
				break
			}
			rec := s.raw[off : off+sect32Len]
			s.sections = append(s.sections, Section{
				Name:   cString(rec[0:16]),
				Addr:   uint64(order.Uint32(rec[32:36])),
				Size:   uint64(order.Uint32(rec[36:40])),
				Offset: order.Uint32(rec[40:44]),
			})
		}
	}
	return s.sections
}

// firstSectionOffset returns the lowest section file offset in the
// segment, or 0 if the segment declares no sections.
func (s *Segment) firstSectionOffset() (uint32, bool) {
	secs := s.Sections()
	if len(secs) == 0 {
		return 0, false
	}
	min := secs[0].Offset
	for _, sec := range secs[1:] {
		if sec.Offset < min {
			min = sec.Offset
		}
	}
	return min, true
}

func cString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

const (
	segment32HeaderLen = 56 // segment_command: cmd,cmdsize,segname[16],vmaddr,vmsize,fileoff,filesize,maxprot,initprot,nsects,flags
	segment64HeaderLen = 72 // segment_command_64, same shape with 64-bit addr/size fields
	sect32Len          = 68
	sect64Len          = 80
)
