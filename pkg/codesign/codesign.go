package codesign

import (
	"encoding/binary"
	"fmt"

	"github.com/corewall/machosign/pkg/codesign/types"
)

// BlobEntry is one child of an EmbeddedSignature: its slot, its byte
// offset relative to the start of the parsed SuperBlob, and the decoded
// blob itself.
type BlobEntry struct {
	Slot   types.SlotType
	Offset uint32
	Magic  types.Magic
	Length uint32
	Blob   types.Blob
}

// EmbeddedSignature is the in-memory view of a parsed SuperBlob: its
// magic, declared total length, and every (slot, blob) entry with
// offsets resolved to absolute positions within the signature.
type EmbeddedSignature struct {
	Magic  types.Magic
	Length uint32
	Blobs  []BlobEntry
}

// ParseEmbeddedSignature decodes the signature payload found at
// loc.SigStart (as returned by a Location) or any standalone detached
// signature blob. Offsets recorded on each BlobEntry are relative to the
// start of data, matching the offsets a SuperBlob's own index carries.
func ParseEmbeddedSignature(data []byte) (*EmbeddedSignature, error) {
	sb, err := types.ParseSuperBlob(data)
	if err != nil {
		return nil, err
	}

	es := &EmbeddedSignature{Magic: sb.Magic, Length: binary.BigEndian.Uint32(data[4:8])}
	offset := uint32(12 + len(sb.Entries)*8) // superblob header + index
	for _, e := range sb.Entries {
		child := e.Blob.Emit()
		es.Blobs = append(es.Blobs, BlobEntry{
			Slot:   e.Slot,
			Offset: offset,
			Magic:  e.Blob.BlobMagic(),
			Length: uint32(len(child)),
			Blob:   e.Blob,
		})
		offset += uint32(len(child))
	}
	return es, nil
}

// Find returns the blob occupying slot, or nil if the slot is absent.
func (es *EmbeddedSignature) Find(slot types.SlotType) types.Blob {
	for _, b := range es.Blobs {
		if b.Slot == slot {
			return b.Blob
		}
	}
	return nil
}

// CodeDirectory returns the primary CodeDirectory (slot 0), or an error
// if the slot is absent or not a CodeDirectory.
func (es *EmbeddedSignature) CodeDirectory() (*types.CodeDirectory, error) {
	b := es.Find(types.SlotCodeDirectory)
	if b == nil {
		return nil, fmt.Errorf("%w: no CodeDirectory at slot 0", ErrBadMagic)
	}
	cd, ok := b.(*types.CodeDirectory)
	if !ok {
		return nil, fmt.Errorf("%w: slot 0 holds %s, not CodeDirectory", ErrBadMagic, b.BlobMagic())
	}
	return cd, nil
}

// AlternateCodeDirectories returns every alternate CodeDirectory
// (slots 0x1000-0x1004), in slot order; the primary CodeDirectory at
// slot 0 is not included. These
// exist to carry digests under hash algorithms the primary CodeDirectory
// does not use.
func (es *EmbeddedSignature) AlternateCodeDirectories() []*types.CodeDirectory {
	var out []*types.CodeDirectory
	for slot := types.SlotAlternateCodeDirectory0; slot <= types.SlotAlternateCodeDirectory4; slot++ {
		if b := es.Find(slot); b != nil {
			if cd, ok := b.(*types.CodeDirectory); ok {
				out = append(out, cd)
			}
		}
	}
	return out
}

// RequirementSet returns the embedded requirement set, or nil if absent.
func (es *EmbeddedSignature) RequirementSet() *types.RequirementSet {
	if b := es.Find(types.SlotRequirementSet); b != nil {
		if rs, ok := b.(*types.RequirementSet); ok {
			return rs
		}
	}
	return nil
}

// Entitlements returns the embedded entitlements plist, or nil if absent.
func (es *EmbeddedSignature) Entitlements() *types.Entitlements {
	if b := es.Find(types.SlotEntitlements); b != nil {
		if e, ok := b.(*types.Entitlements); ok {
			return e
		}
	}
	return nil
}

// EntitlementsDer returns the embedded DER entitlements, or nil if absent.
func (es *EmbeddedSignature) EntitlementsDer() *types.EntitlementsDer {
	if b := es.Find(types.SlotEntitlementsDer); b != nil {
		if e, ok := b.(*types.EntitlementsDer); ok {
			return e
		}
	}
	return nil
}

// SignatureBlob returns the raw CMS signature bytes (the payload of the
// BlobWrapper at SlotSignature), or nil if the signature is ad hoc.
func (es *EmbeddedSignature) SignatureBlob() []byte {
	b := es.Find(types.SlotSignature)
	if b == nil {
		return nil
	}
	raw, ok := b.(*types.Raw)
	if !ok {
		return nil
	}
	return raw.Payload
}
