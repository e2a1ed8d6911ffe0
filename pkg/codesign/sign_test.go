package codesign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/binary"
	"testing"

	"github.com/corewall/machosign/internal/machofile"
	"github.com/corewall/machosign/pkg/codesign/types"
	"github.com/corewall/machosign/pkg/digest"
)

// buildThinMachO assembles a minimal, structurally valid unsigned 64-bit
// Mach-O: a __TEXT segment with one section, and a __LINKEDIT segment
// with generous slack for a first-time signature.
func buildThinMachO(t *testing.T, textFilesz, textSectionOff, linkeditFilesz uint64) []byte {
	t.Helper()
	const (
		segment64HeaderLen = 72
		sect64Len          = 80
		headerSize64       = 32
		lcSegment64        = 0x19
		magic64            = 0xfeedfacf
		mhExecute          = 0x2
	)
	order := binary.LittleEndian

	text := make([]byte, segment64HeaderLen+sect64Len)
	copy(text[8:24], "__TEXT")
	order.PutUint64(text[24:32], 0)
	order.PutUint64(text[32:40], textFilesz)
	order.PutUint64(text[40:48], 0)
	order.PutUint64(text[48:56], textFilesz)
	order.PutUint32(text[56:60], 7)
	order.PutUint32(text[60:64], 5)
	order.PutUint32(text[64:68], 1)
	order.PutUint32(text[68:72], 0)
	sec := text[segment64HeaderLen:]
	copy(sec[0:16], "__text")
	copy(sec[16:32], "__TEXT")
	order.PutUint64(sec[32:40], textSectionOff)
	order.PutUint64(sec[40:48], 4)
	order.PutUint32(sec[48:52], uint32(textSectionOff))
	order.PutUint32(text[4:8], uint32(len(text)))
	order.PutUint32(text[0:4], lcSegment64)

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
	order.PutUint32(linkedit[0:4], lcSegment64)

	sizeofcmds := uint32(len(text) + len(linkedit))
	hdr := make([]byte, headerSize64)
	order.PutUint32(hdr[0:4], magic64)
	order.PutUint32(hdr[4:8], 0x0100000c)
	order.PutUint32(hdr[8:12], 0)
	order.PutUint32(hdr[12:16], mhExecute)
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
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

type fakeBackend struct {
	called bool
}

func (f *fakeBackend) SignCMS(message []byte, _ *x509.Certificate, _ crypto.Signer, _ []*x509.Certificate, _ digest.Algorithm, _ string) ([]byte, error) {
	f.called = true
	// A stand-in CMS blob: real backends produce DER SignedData, but the
	// verifier below only needs to recognize the bytes it was handed.
	return append([]byte("CMS:"), message...), nil
}

type fakeVerifier struct {
	gotMessage []byte
}

func (f *fakeVerifier) VerifyCMS(cms []byte, expectedMessage []byte, _ []*x509.Certificate) (*SignerReport, error) {
	f.gotMessage = expectedMessage
	if !bytes.Equal(cms, append([]byte("CMS:"), expectedMessage...)) {
		return nil, errMismatch
	}
	return &SignerReport{}, nil
}

var errMismatch = errBadCMS{}

type errBadCMS struct{}

func (errBadCMS) Error() string { return "CMS payload does not match the expected message" }

func TestSignAdHocThenVerify(t *testing.T) {
	data := buildThinMachO(t, 0x400, 0x120, 0x400)
	settings := NewSigningSettings("com.example.adhoc")

	signed, err := Sign(data, settings)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	problems, err := Verify(signed, nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !problems.Empty() {
		t.Fatalf("Verify found problems on a freshly ad hoc signed binary: %v", problems)
	}
}

// TestSignProducesOnePageDigestAcrossSegmentBoundary pins the
// concatenate-then-chunk page digest rule: a non-page-aligned __TEXT
// followed by __LINKEDIT must still produce a single page digest over
// the whole logical stream, not one short digest per segment.
func TestSignProducesOnePageDigestAcrossSegmentBoundary(t *testing.T) {
	data := buildThinMachO(t, 0x400, 0x120, 0x400)
	settings := NewSigningSettings("com.example.onepage")

	signed, err := Sign(data, settings)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	f, err := machofile.Open(bytes.NewReader(signed), 0, int64(len(signed)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc, err := f.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	es, err := ParseEmbeddedSignature(signed[loc.SigStart:loc.SigEnd])
	if err != nil {
		t.Fatalf("ParseEmbeddedSignature: %v", err)
	}
	cd, err := es.CodeDirectory()
	if err != nil {
		t.Fatalf("CodeDirectory: %v", err)
	}

	if len(cd.CodeSlots) != 1 {
		t.Fatalf("len(CodeSlots) = %d, want 1 (0x400 + 0x400 bytes fit in one 4096-byte page)", len(cd.CodeSlots))
	}
	want, err := digest.Sum(cd.HashType, signed[0:0x800])
	if err != nil {
		t.Fatalf("digest.Sum: %v", err)
	}
	if !bytes.Equal(cd.CodeSlots[0], want) {
		t.Errorf("CodeSlots[0] = %x, want %x (digest of the concatenated __TEXT+__LINKEDIT stream)", cd.CodeSlots[0], want)
	}
}

func TestSignWithBackendThenVerify(t *testing.T) {
	data := buildThinMachO(t, 0x400, 0x120, 0x400)
	backend := &fakeBackend{}
	settings := NewSigningSettings("com.example.signed", WithBackend(backend))

	signed, err := Sign(data, settings)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !backend.called {
		t.Fatal("expected SigningBackend.SignCMS to be called")
	}

	verifier := &fakeVerifier{}
	problems, err := Verify(signed, verifier, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !problems.Empty() {
		t.Fatalf("Verify found problems: %v", problems)
	}
	if len(verifier.gotMessage) == 0 {
		t.Fatal("expected CMSVerifier to receive the CodeDirectory digest")
	}
}

func TestVerifyRejectsTamperedPage(t *testing.T) {
	data := buildThinMachO(t, 0x400, 0x120, 0x400)
	settings := NewSigningSettings("com.example.tamper")
	signed, err := Sign(data, settings)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := append([]byte(nil), signed...)
	tampered[0x300] ^= 0xFF // flip a byte inside __TEXT, past the load commands

	problems, err := Verify(tampered, nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if problems.Empty() {
		t.Fatal("expected a digest mismatch after tampering with a signed page")
	}
}

func TestSignSetsExternalSpecialDigests(t *testing.T) {
	data := buildThinMachO(t, 0x400, 0x120, 0x400)
	settings := NewSigningSettings("com.example.special",
		WithInfoPlist([]byte("<plist>info</plist>")),
		WithResourceDir([]byte("<plist>resources</plist>")),
	)

	signed, err := Sign(data, settings)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	f, err := machofile.Open(bytes.NewReader(signed), 0, int64(len(signed)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc, err := f.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	es, err := ParseEmbeddedSignature(signed[loc.SigStart:loc.SigEnd])
	if err != nil {
		t.Fatalf("ParseEmbeddedSignature: %v", err)
	}
	cd, err := es.CodeDirectory()
	if err != nil {
		t.Fatalf("CodeDirectory: %v", err)
	}

	wantInfo, _ := digest.Sum(cd.HashType, []byte("<plist>info</plist>"))
	wantResources, _ := digest.Sum(cd.HashType, []byte("<plist>resources</plist>"))
	if got, ok := cd.SpecialSlots[types.SlotInfo]; !ok || !bytes.Equal(got, wantInfo) {
		t.Errorf("SpecialSlots[SlotInfo] = %x, ok=%v, want %x", got, ok, wantInfo)
	}
	if got, ok := cd.SpecialSlots[types.SlotResourceDir]; !ok || !bytes.Equal(got, wantResources) {
		t.Errorf("SpecialSlots[SlotResourceDir] = %x, ok=%v, want %x", got, ok, wantResources)
	}
}

func TestSignWithRequirementSetsRequirementSpecialDigest(t *testing.T) {
	data := buildThinMachO(t, 0x400, 0x120, 0x400)
	body := []byte{0, 0, 0, 1, 0, 0, 0, 0} // opaque; Sign never parses requirement bytecode
	settings := NewSigningSettings("com.example.requirement",
		WithRequirement(types.RequirementTypeDesignated, body))

	signed, err := Sign(data, settings)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	f, err := machofile.Open(bytes.NewReader(signed), 0, int64(len(signed)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	loc, err := f.Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	es, err := ParseEmbeddedSignature(signed[loc.SigStart:loc.SigEnd])
	if err != nil {
		t.Fatalf("ParseEmbeddedSignature: %v", err)
	}
	cd, err := es.CodeDirectory()
	if err != nil {
		t.Fatalf("CodeDirectory: %v", err)
	}
	if _, ok := cd.SpecialSlots[types.SlotRequirementSet]; !ok {
		t.Fatal("expected a RequirementSet special digest when a requirement was configured")
	}

	reqSet := es.RequirementSet()
	if reqSet == nil {
		t.Fatal("expected a RequirementSet blob in the embedded signature")
	}
	got, ok := reqSet.Requirements[types.RequirementTypeDesignated]
	if !ok {
		t.Fatal("expected a designated requirement in the emitted RequirementSet")
	}
	if !bytes.Equal(got.Body, body) {
		t.Errorf("designated requirement body = %x, want %x", got.Body, body)
	}
}

func TestVerifyRejectsUnsignedBinary(t *testing.T) {
	data := buildThinMachO(t, 0x400, 0x120, 0x400)
	if _, err := Verify(data, nil, nil); err != ErrBinaryNoCodeSignature {
		t.Fatalf("Verify error = %v, want ErrBinaryNoCodeSignature", err)
	}
}

func TestEstimateSizeScalesWithPagesAndSigning(t *testing.T) {
	adHoc := EstimateSize(sizeEstimate{pageDigestBytes: 320})
	signedEst := EstimateSize(sizeEstimate{pageDigestBytes: 320, signing: true})
	if signedEst <= adHoc {
		t.Errorf("signed estimate (%d) should exceed ad hoc estimate (%d)", signedEst, adHoc)
	}
	if adHoc%1024 != 0 || signedEst%1024 != 0 {
		t.Errorf("estimates must round up to 1024-byte boundaries, got %d and %d", adHoc, signedEst)
	}
}
