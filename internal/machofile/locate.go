package machofile

import "fmt"

const linkeditDataCmdSize = 16 // cmd, cmdsize, dataoff, datasize

// Location describes where a (possibly absent) code signature lives
// relative to __LINKEDIT, in file-absolute offsets (i.e. already adjusted
// by the enclosing fat_arch offset, if any).
type Location struct {
	SegmentIndex int // index into f.Loads of the __LINKEDIT segment

	LinkeditStart uint64
	LinkeditEnd   uint64

	HasSignature bool
	SigCmdIndex  int // index into f.Loads of LC_CODE_SIGNATURE, -1 if absent
	SigStart     uint64
	SigEnd       uint64
}

// Locate finds __LINKEDIT and any existing LC_CODE_SIGNATURE, translating
// offsets to file-absolute terms.
func (f *File) Locate() (*Location, error) {
	loc := &Location{SegmentIndex: -1, SigCmdIndex: -1}
	for i, l := range f.Loads {
		if s, ok := l.(*Segment); ok && s.Name == "__LINKEDIT" {
			loc.SegmentIndex = i
			loc.LinkeditStart = uint64(f.base) + s.Offset
			loc.LinkeditEnd = loc.LinkeditStart + s.Filesz
		}
	}
	if loc.SegmentIndex < 0 {
		return nil, ErrMissingLinkedit
	}

	if cs, idx := f.CodeSignature(); cs != nil {
		loc.HasSignature = true
		loc.SigCmdIndex = idx
		loc.SigStart = uint64(f.base) + uint64(cs.DataOffset)
		loc.SigEnd = loc.SigStart + uint64(cs.DataSize)
	}

	return loc, nil
}

// ExecutableSegment returns the __TEXT segment's (fileoff, fileoff+length)
// bounds in file-absolute terms, used to populate exec_seg_base/limit.
func (f *File) ExecutableSegment() (start, end uint64, ok bool) {
	s := f.Segment("__TEXT")
	if s == nil {
		return 0, 0, false
	}
	start = uint64(f.base) + s.Offset
	return start, start + s.Filesz, true
}

// DigestableSegments returns, in load order, the file-absolute byte ranges
// that must be digested: every segment except __PAGEZERO, with __LINKEDIT
// truncated to the bytes preceding any signature (or the full segment if
// unsigned).
func (f *File) DigestableSegments(loc *Location) []Range {
	var out []Range
	for _, s := range f.Segments() {
		if s.Name == "__PAGEZERO" {
			continue
		}
		start := uint64(f.base) + s.Offset
		end := start + s.Filesz
		if s.Name == "__LINKEDIT" {
			if loc.HasSignature {
				end = loc.SigStart
			} else {
				end = loc.LinkeditEnd
			}
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}

// Range is a half-open file-absolute byte range.
type Range struct {
	Start uint64
	End   uint64
}

func (r Range) Len() uint64 { return r.End - r.Start }

// CheckSigningCapability validates the structural preconditions the
// rewriter requires before it will produce a new signature.
func (f *File) CheckSigningCapability(loc *Location) error {
	segs := f.Segments()
	if len(segs) == 0 {
		return fmt.Errorf("%w: no segments", ErrInvalidBinary)
	}
	last := segs[len(segs)-1]
	if last.Name != "__LINKEDIT" {
		return ErrLinkeditNotLast
	}

	if loc.HasSignature {
		if loc.SigEnd != loc.LinkeditEnd {
			return ErrDataAfterSignature
		}
		return nil
	}

	text := f.Segment("__TEXT")
	if text == nil {
		return nil
	}
	firstSectionOff, ok := text.firstSectionOffset()
	if !ok {
		return nil
	}
	lcEnd := f.headerLen() + int64(f.SizeCommands)
	slack := int64(firstSectionOff) - lcEnd
	if slack < linkeditDataCmdSize {
		return ErrLoadCommandNoRoom
	}
	return nil
}
