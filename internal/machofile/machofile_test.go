package machofile

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildThinMachO assembles a minimal but structurally valid 64-bit Mach-O:
// one __TEXT segment (with a single section so the load-command slack
// check has something to measure against) and one __LINKEDIT segment. No
// LC_CODE_SIGNATURE is present.
func buildThinMachO(t *testing.T, textFilesz, textSectionOff, linkeditFilesz uint64) []byte {
	t.Helper()
	order := binary.LittleEndian

	text := make([]byte, segment64HeaderLen+sect64Len)
	copy(text[8:24], "__TEXT")
	order.PutUint64(text[24:32], 0)            // vmaddr
	order.PutUint64(text[32:40], textFilesz)   // vmsize
	order.PutUint64(text[40:48], 0)            // fileoff
	order.PutUint64(text[48:56], textFilesz)   // filesize
	order.PutUint32(text[56:60], 7)            // maxprot
	order.PutUint32(text[60:64], 5)            // initprot
	order.PutUint32(text[64:68], 1)            // nsects
	order.PutUint32(text[68:72], 0)            // flags
	sec := text[segment64HeaderLen:]
	copy(sec[0:16], "__text")
	copy(sec[16:32], "__TEXT")
	order.PutUint64(sec[32:40], textSectionOff) // addr
	order.PutUint64(sec[40:48], 4)              // size
	order.PutUint32(sec[48:52], uint32(textSectionOff))
	order.PutUint32(text[4:8], uint32(len(text))) // cmdsize
	order.PutUint32(text[0:4], uint32(LcSegment64))

	linkedit := make([]byte, segment64HeaderLen)
	copy(linkedit[8:24], "__LINKEDIT")
	order.PutUint64(linkedit[24:32], textFilesz)
	order.PutUint64(linkedit[32:40], linkeditFilesz)
	order.PutUint64(linkedit[40:48], textFilesz)
	order.PutUint64(linkedit[48:56], linkeditFilesz)
	order.PutUint32(linkedit[56:60], 1)
	order.PutUint32(linkedit[60:64], 1)
	order.PutUint32(linkedit[64:68], 0)
	order.PutUint32(linkedit[4:8], uint32(len(linkedit)))
	order.PutUint32(linkedit[0:4], uint32(LcSegment64))

	sizeofcmds := uint32(len(text) + len(linkedit))
	hdr := make([]byte, headerSize64)
	order.PutUint32(hdr[0:4], uint32(Magic64))
	order.PutUint32(hdr[4:8], 0x0100000c) // arm64
	order.PutUint32(hdr[8:12], 0)
	order.PutUint32(hdr[12:16], uint32(MhExecute))
	order.PutUint32(hdr[16:20], 2)
	order.PutUint32(hdr[20:24], sizeofcmds)
	order.PutUint32(hdr[24:28], 0)
	order.PutUint32(hdr[28:32], 0)

	buf := &bytes.Buffer{}
	buf.Write(hdr)
	buf.Write(text)
	buf.Write(linkedit)
	for int64(buf.Len()) < int64(textFilesz) {
		buf.WriteByte(0)
	}
	for i := uint64(0); i < linkeditFilesz; i++ {
		buf.WriteByte(0xAA)
	}
	return buf.Bytes()
}

func TestOpenParsesSegments(t *testing.T) {
	data := buildThinMachO(t, 0x200, 0x120, 0x50)
	f, err := Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !f.Is64() {
		t.Fatalf("expected 64-bit file")
	}
	text := f.Segment("__TEXT")
	linkedit := f.Segment("__LINKEDIT")
	if text == nil || linkedit == nil {
		t.Fatalf("expected __TEXT and __LINKEDIT segments, got %+v", f.Segments())
	}
	if linkedit.Filesz != 0x50 {
		t.Errorf("__LINKEDIT filesize = %#x, want 0x50", linkedit.Filesz)
	}
	if cs, idx := f.CodeSignature(); cs != nil || idx != -1 {
		t.Errorf("expected no code signature, got %+v at %d", cs, idx)
	}
}

func TestLocateAndCapabilityUnsigned(t *testing.T) {
	data := buildThinMachO(t, 0x200, 0x120, 0x50)
	f, err := Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc, err := f.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if loc.HasSignature {
		t.Fatalf("expected unsigned binary")
	}
	if loc.LinkeditStart != 0x200 || loc.LinkeditEnd != 0x250 {
		t.Errorf("linkedit bounds = [%#x,%#x), want [0x200,0x250)", loc.LinkeditStart, loc.LinkeditEnd)
	}
	if err := f.CheckSigningCapability(loc); err != nil {
		t.Fatalf("CheckSigningCapability: %v", err)
	}
}

func TestCheckSigningCapabilityNoRoom(t *testing.T) {
	// Section starts immediately after the load-command table: no slack
	// for a new LC_CODE_SIGNATURE.
	data := buildThinMachO(t, 0x100, 0x100, 0x50)
	f, err := Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc, err := f.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if err := f.CheckSigningCapability(loc); err != ErrLoadCommandNoRoom {
		t.Fatalf("CheckSigningCapability error = %v, want ErrLoadCommandNoRoom", err)
	}
}

func TestRewriteAddsSignatureAndPreservesPrefix(t *testing.T) {
	data := buildThinMachO(t, 0x200, 0x120, 0x50)
	f, err := Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc, err := f.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if err := f.CheckSigningCapability(loc); err != nil {
		t.Fatalf("CheckSigningCapability: %v", err)
	}

	payload := bytes.Repeat([]byte{0xCD}, 40)
	out, err := f.Rewrite(data, loc, RewriteOptions{ReservedSize: 64, Payload: payload})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	f2, err := Open(bytes.NewReader(out), 0, int64(len(out)))
	if err != nil {
		t.Fatalf("re-Open rewritten binary: %v", err)
	}
	cs, _ := f2.CodeSignature()
	if cs == nil {
		t.Fatalf("expected LC_CODE_SIGNATURE after rewrite")
	}
	if cs.DataSize != uint32(len(payload)) {
		t.Errorf("DataSize = %d, want %d", cs.DataSize, len(payload))
	}
	if uint64(cs.DataOffset) != loc.LinkeditEnd {
		t.Errorf("DataOffset = %#x, want %#x (old linkedit end)", cs.DataOffset, loc.LinkeditEnd)
	}

	linkedit2 := f2.Segment("__LINKEDIT")
	wantFilesz := (loc.LinkeditEnd - loc.LinkeditStart) + 64
	if linkedit2.Filesz != wantFilesz {
		t.Errorf("__LINKEDIT filesize = %#x, want %#x", linkedit2.Filesz, wantFilesz)
	}

	loc2, err := f2.Locate()
	if err != nil {
		t.Fatalf("Locate rewritten: %v", err)
	}
	gotPayload := out[loc2.SigStart : loc2.SigStart+uint64(len(payload))]
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload bytes not found at the reported signature start")
	}
	// Adding LC_CODE_SIGNATURE consumes 16 bytes of load-command slack, so
	// only segment file offsets (not raw header/gap bytes) are preserved
	// on a first sign; re-signing (below) is where the byte-identical
	// prefix guarantee applies.
	if f2.Segment("__TEXT").Offset != f.Segment("__TEXT").Offset {
		t.Errorf("__TEXT fileoff moved across signing")
	}
}

func TestResignReplacesSignatureAndPreservesPrefix(t *testing.T) {
	data := buildThinMachO(t, 0x200, 0x120, 0x50)
	f, err := Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc, err := f.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	firstPayload := bytes.Repeat([]byte{0xCD}, 40)
	signed, err := f.Rewrite(data, loc, RewriteOptions{ReservedSize: 64, Payload: firstPayload})
	if err != nil {
		t.Fatalf("Rewrite (first sign): %v", err)
	}

	f1, err := Open(bytes.NewReader(signed), 0, int64(len(signed)))
	if err != nil {
		t.Fatalf("re-Open first-signed binary: %v", err)
	}
	loc1, err := f1.Locate()
	if err != nil {
		t.Fatalf("Locate first-signed: %v", err)
	}
	if !loc1.HasSignature {
		t.Fatalf("expected a signature after first sign")
	}

	secondPayload := bytes.Repeat([]byte{0xEF}, 30)
	resigned, err := f1.Rewrite(signed, loc1, RewriteOptions{ReservedSize: 48, Payload: secondPayload})
	if err != nil {
		t.Fatalf("Rewrite (re-sign): %v", err)
	}

	// The load-command table itself necessarily changes (new dataoffset/
	// datasize/filesize values); everything from the end of the
	// load-command table up to the old signature's start must not.
	afterLC := f1.headerLen() + int64(f1.SizeCommands)
	if !bytes.Equal(signed[afterLC:loc1.SigStart], resigned[afterLC:loc1.SigStart]) {
		t.Errorf("re-signing changed segment bytes before the old signature's start")
	}

	f2, err := Open(bytes.NewReader(resigned), 0, int64(len(resigned)))
	if err != nil {
		t.Fatalf("re-Open re-signed binary: %v", err)
	}
	cs2, _ := f2.CodeSignature()
	if cs2 == nil || cs2.DataSize != uint32(len(secondPayload)) {
		t.Fatalf("unexpected code signature after re-sign: %+v", cs2)
	}
	loc2, err := f2.Locate()
	if err != nil {
		t.Fatalf("Locate re-signed: %v", err)
	}
	got := resigned[loc2.SigStart : loc2.SigStart+uint64(len(secondPayload))]
	if !bytes.Equal(got, secondPayload) {
		t.Errorf("re-signed payload mismatch")
	}
}
