package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrSuperblobMalformed is returned when a SuperBlob's index is
// inconsistent: out-of-order offsets, overlapping children, or a last
// child that does not end exactly at the declared total length.
var ErrSuperblobMalformed = errors.New("types: malformed superblob")

const (
	superblobHeaderSize = 12 // magic:u32 + length:u32 + count:u32
	superblobIndexEntry = 8  // slot:u32 + offset:u32
)

// SuperBlob is the magic-tagged container every embedded code signature
// is wrapped in: an ordered index of (slot, Blob) entries.
type SuperBlob struct {
	Magic   Magic // MagicEmbeddedSignature, MagicDetachedSignature, or MagicEmbeddedSignatureOld
	Entries []SuperBlobEntry
}

// SuperBlobEntry pairs a slot with the blob occupying it.
type SuperBlobEntry struct {
	Slot SlotType
	Blob Blob
}

func (sb *SuperBlob) BlobMagic() Magic { return sb.Magic }

// Find returns the blob at slot, or nil if the slot is unoccupied.
func (sb *SuperBlob) Find(slot SlotType) Blob {
	for _, e := range sb.Entries {
		if e.Slot == slot {
			return e.Blob
		}
	}
	return nil
}

// ParseSuperBlob decodes a SuperBlob (header included). The index must be
// in ascending, non-overlapping offset order; children are read back to
// back starting right after the index, and the last child must end
// exactly at the blob's declared total length.
func ParseSuperBlob(data []byte) (*SuperBlob, error) {
	magic, length, err := ParseBlobHeader(data)
	if err != nil {
		return nil, err
	}
	switch magic {
	case MagicEmbeddedSignature, MagicDetachedSignature, MagicEmbeddedSignatureOld:
	default:
		return nil, fmt.Errorf("%w: magic %s is not a superblob container", ErrSuperblobMalformed, magic)
	}

	p := data[:length]
	if len(p) < superblobHeaderSize {
		return nil, fmt.Errorf("%w: header truncated", ErrSuperblobMalformed)
	}
	count := binary.BigEndian.Uint32(p[8:12])
	indexEnd := superblobHeaderSize + int(count)*superblobIndexEntry
	if len(p) < indexEnd {
		return nil, fmt.Errorf("%w: index truncated for %d entries", ErrSuperblobMalformed, count)
	}

	sb := &SuperBlob{Magic: magic}
	prevEnd := indexEnd
	for i := uint32(0); i < count; i++ {
		entry := p[superblobHeaderSize+int(i)*8 : superblobHeaderSize+int(i)*8+8]
		slot := SlotType(binary.BigEndian.Uint32(entry[0:4]))
		offset := int(binary.BigEndian.Uint32(entry[4:8]))
		if offset != prevEnd || offset > len(p) {
			return nil, fmt.Errorf("%w: entry %d (slot %s) offset %d, want %d", ErrSuperblobMalformed, i, slot, offset, prevEnd)
		}

		blob, err := ParseBlob(p[offset:])
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", slot, err)
		}
		prevEnd = offset + int(binary.BigEndian.Uint32(p[offset+4:offset+8]))
		sb.Entries = append(sb.Entries, SuperBlobEntry{Slot: slot, Blob: blob})

		if i == count-1 {
			if offset+len(blob.Emit()) != len(p) {
				return nil, fmt.Errorf("%w: last child (slot %s) ends at %d, want %d", ErrSuperblobMalformed, slot, offset+len(blob.Emit()), len(p))
			}
		}
	}
	return sb, nil
}

// Emit serializes the SuperBlob: header, index (sorted by ascending
// offset, which for freshly built SuperBlobs is insertion order), then
// children back to back.
func (sb *SuperBlob) Emit() []byte {
	indexEnd := superblobHeaderSize + len(sb.Entries)*superblobIndexEntry
	index := make([]byte, indexEnd)

	var children []byte
	for i, e := range sb.Entries {
		offset := uint32(indexEnd + len(children))
		entry := index[superblobHeaderSize+i*8 : superblobHeaderSize+i*8+8]
		binary.BigEndian.PutUint32(entry[0:4], uint32(e.Slot))
		binary.BigEndian.PutUint32(entry[4:8], offset)
		children = append(children, e.Blob.Emit()...)
	}

	total := indexEnd + len(children)
	binary.BigEndian.PutUint32(index[0:4], uint32(sb.Magic))
	binary.BigEndian.PutUint32(index[4:8], uint32(total))
	binary.BigEndian.PutUint32(index[8:12], uint32(len(sb.Entries)))

	return append(index, children...)
}
