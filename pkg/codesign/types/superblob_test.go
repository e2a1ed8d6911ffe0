package types

import (
	"bytes"
	"testing"

	"github.com/corewall/machosign/pkg/digest"
)

func buildSampleSuperBlob() *SuperBlob {
	cd := &CodeDirectory{
		Identifier: "com.example.sb",
		HashType:   digest.SHA256,
		HashSize:   32,
		CodeSlots:  [][]byte{digestOf(1, 32)},
	}
	rs := &RequirementSet{Requirements: map[RequirementType]*Requirement{
		RequirementTypeDesignated: {Body: []byte("anchor apple")},
	}}
	return &SuperBlob{
		Magic: MagicEmbeddedSignature,
		Entries: []SuperBlobEntry{
			{Slot: SlotCodeDirectory, Blob: cd},
			{Slot: SlotRequirementSet, Blob: rs},
			{Slot: SlotSignature, Blob: &Raw{Magic: MagicBlobWrapper, Payload: []byte("cms-bytes")}},
		},
	}
}

func TestSuperBlobRoundTrip(t *testing.T) {
	sb := buildSampleSuperBlob()
	encoded := sb.Emit()

	got, err := ParseSuperBlob(encoded)
	if err != nil {
		t.Fatalf("ParseSuperBlob: %v", err)
	}
	if got.Magic != sb.Magic {
		t.Errorf("Magic = %s, want %s", got.Magic, sb.Magic)
	}
	if len(got.Entries) != len(sb.Entries) {
		t.Fatalf("len(Entries) = %d, want %d", len(got.Entries), len(sb.Entries))
	}
	for i, e := range sb.Entries {
		if got.Entries[i].Slot != e.Slot {
			t.Errorf("Entries[%d].Slot = %s, want %s", i, got.Entries[i].Slot, e.Slot)
		}
		if !bytes.Equal(got.Entries[i].Blob.Emit(), e.Blob.Emit()) {
			t.Errorf("Entries[%d].Blob did not round trip", i)
		}
	}

	cd, ok := got.Find(SlotCodeDirectory).(*CodeDirectory)
	if !ok {
		t.Fatal("Find(SlotCodeDirectory) did not return a *CodeDirectory")
	}
	if cd.Identifier != "com.example.sb" {
		t.Errorf("Identifier = %q", cd.Identifier)
	}
	if got.Find(SlotInfo) != nil {
		t.Error("Find(SlotInfo) should be nil: unoccupied slot")
	}
}

func TestParseSuperBlobRejectsNonContainerMagic(t *testing.T) {
	cd := &CodeDirectory{Identifier: "x", HashType: digest.SHA256, HashSize: 32, CodeSlots: [][]byte{digestOf(1, 32)}}
	if _, err := ParseSuperBlob(cd.Emit()); err == nil {
		t.Fatal("expected error parsing a CodeDirectory as a SuperBlob")
	}
}

func TestParseSuperBlobRejectsTruncatedLastChild(t *testing.T) {
	sb := buildSampleSuperBlob()
	encoded := sb.Emit()
	truncated := encoded[:len(encoded)-4] // chop bytes off the final child

	if _, err := ParseSuperBlob(truncated); err == nil {
		t.Fatal("expected error for truncated last child")
	}
}
