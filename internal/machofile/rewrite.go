package machofile

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RewriteOptions supplies the finished (or placeholder) signature payload
// to splice into __LINKEDIT.
type RewriteOptions struct {
	// ReservedSize is the total window reserved for the signature; Payload
	// may be shorter, in which case the remainder is zero-padded.
	ReservedSize uint64
	Payload      []byte
}

// Rewrite produces the new bytes for this Mach-O's thin region: a
// (possibly added) LC_CODE_SIGNATURE command, an updated __LINKEDIT
// segment command, and Payload spliced in at the signature's start. The
// header and load-command table are regenerated, with only __LINKEDIT and
// LC_CODE_SIGNATURE changed; the bytes from the end of the original
// load-command table up to the kept __LINKEDIT prefix are copied unchanged
// from original, less the 16 bytes of slack a newly added
// LC_CODE_SIGNATURE takes up.
func (f *File) Rewrite(original []byte, loc *Location, opt RewriteOptions) ([]byte, error) {
	if uint64(len(opt.Payload)) > opt.ReservedSize {
		return nil, fmt.Errorf("machofile: payload (%d bytes) exceeds reserved size (%d)", len(opt.Payload), opt.ReservedSize)
	}

	keepLinkeditEnd := loc.LinkeditEnd
	if loc.HasSignature {
		keepLinkeditEnd = loc.SigStart
	}
	dataOffset := keepLinkeditEnd
	newLinkeditFilesz := (keepLinkeditEnd - loc.LinkeditStart) + opt.ReservedSize

	addingCmd := !loc.HasSignature
	lcBuf := &bytes.Buffer{}
	for _, l := range f.Loads {
		switch lv := l.(type) {
		case *Segment:
			if lv.Name == "__LINKEDIT" {
				lcBuf.Write(patchedSegmentBytes(lv, f.ByteOrder, newLinkeditFilesz))
			} else {
				lcBuf.Write(lv.Raw())
			}
		case *CodeSignatureCmd:
			lcBuf.Write(patchedCodeSigCmdBytes(lv, f.ByteOrder, uint32(dataOffset-uint64(f.base)), uint32(len(opt.Payload))))
		default:
			lcBuf.Write(l.Raw())
		}
	}
	ncommands := f.NCommands
	if addingCmd {
		lcBuf.Write(newCodeSigCmdBytes(f.ByteOrder, uint32(dataOffset-uint64(f.base)), uint32(len(opt.Payload))))
		ncommands++
	}

	hdrLen := f.headerLen()
	hdrBuf := make([]byte, hdrLen)
	writeHeader(hdrBuf, f.FileHeader, f.ByteOrder, ncommands, uint32(lcBuf.Len()))

	afterLC := f.base + hdrLen + int64(f.SizeCommands)
	skip := int64(0)
	if addingCmd {
		skip = linkeditDataCmdSize
	}
	unchangedStart := afterLC + skip

	if unchangedStart > int64(loc.LinkeditStart) {
		return nil, ErrLoadCommandNoRoom
	}

	out := make([]byte, 0, int(hdrLen)+lcBuf.Len()+int(int64(loc.LinkeditStart)-unchangedStart)+int(keepLinkeditEnd-loc.LinkeditStart)+int(opt.ReservedSize))
	out = append(out, hdrBuf...)
	out = append(out, lcBuf.Bytes()...)
	out = append(out, original[unchangedStart:loc.LinkeditStart]...)
	out = append(out, original[loc.LinkeditStart:keepLinkeditEnd]...)
	out = append(out, opt.Payload...)
	if pad := opt.ReservedSize - uint64(len(opt.Payload)); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out, nil
}

func writeHeader(buf []byte, h FileHeader, order binary.ByteOrder, ncmds, sizecmds uint32) {
	order.PutUint32(buf[0:4], uint32(h.Magic))
	order.PutUint32(buf[4:8], h.CPUType)
	order.PutUint32(buf[8:12], h.CPUSubtype)
	order.PutUint32(buf[12:16], h.FileType)
	order.PutUint32(buf[16:20], ncmds)
	order.PutUint32(buf[20:24], sizecmds)
	order.PutUint32(buf[24:28], h.Flags)
	if h.Magic == Magic64 {
		order.PutUint32(buf[28:32], h.Reserved)
	}
}

func patchedSegmentBytes(s *Segment, order binary.ByteOrder, newFilesz uint64) []byte {
	raw := append([]byte(nil), s.raw...)
	if s.Cmd == LcSegment64 {
		order.PutUint64(raw[32:40], newFilesz) // vmsize
		order.PutUint64(raw[48:56], newFilesz) // filesize
	} else {
		order.PutUint32(raw[28:32], uint32(newFilesz))
		order.PutUint32(raw[36:40], uint32(newFilesz))
	}
	return raw
}

func patchedCodeSigCmdBytes(c *CodeSignatureCmd, order binary.ByteOrder, dataOffset, dataSize uint32) []byte {
	raw := append([]byte(nil), c.raw...)
	order.PutUint32(raw[8:12], dataOffset)
	order.PutUint32(raw[12:16], dataSize)
	return raw
}

func newCodeSigCmdBytes(order binary.ByteOrder, dataOffset, dataSize uint32) []byte {
	raw := make([]byte, linkeditDataCmdSize)
	order.PutUint32(raw[0:4], uint32(LcCodeSignature))
	order.PutUint32(raw[4:8], linkeditDataCmdSize)
	order.PutUint32(raw[8:12], dataOffset)
	order.PutUint32(raw[12:16], dataSize)
	return raw
}
