package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBlobMalformed is returned when a blob header's declared length is
// inconsistent with the bytes available.
var ErrBlobMalformed = errors.New("types: malformed blob")

const blobHeaderSize = 8 // magic:u32 + length:u32, big-endian

// Blob is anything that can appear inside a SuperBlob: a self-describing
// (magic, length, payload) triple. CodeDirectory, RequirementSet,
// Requirement, Entitlements, EntitlementsDer, and the opaque Raw variant
// (CMS signature wrapper and any magic this codec does not otherwise know)
// all implement it.
type Blob interface {
	BlobMagic() Magic
	// Emit returns the blob's full on-disk bytes, header included.
	Emit() []byte
}

// Raw is a blob this codec does not interpret beyond its header: the CMS
// signature wrapper (BlobWrapper) and any magic ParseBlob has no typed
// representation for. Its payload is preserved verbatim.
type Raw struct {
	Magic   Magic
	Payload []byte
}

func (r *Raw) BlobMagic() Magic { return r.Magic }

func (r *Raw) Emit() []byte {
	out := make([]byte, blobHeaderSize+len(r.Payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(r.Magic))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)))
	copy(out[8:], r.Payload)
	return out
}

// ParseBlobHeader reads the (magic, length) header at the start of data
// and validates length against len(data).
func ParseBlobHeader(data []byte) (magic Magic, length uint32, err error) {
	if len(data) < blobHeaderSize {
		return 0, 0, fmt.Errorf("%w: %d bytes, need at least %d", ErrBlobMalformed, len(data), blobHeaderSize)
	}
	magic = Magic(binary.BigEndian.Uint32(data[0:4]))
	length = binary.BigEndian.Uint32(data[4:8])
	if length < blobHeaderSize || int(length) > len(data) {
		return 0, 0, fmt.Errorf("%w: magic %s declares length %d in a %d-byte slice", ErrBlobMalformed, magic, length, len(data))
	}
	return magic, length, nil
}

// ParseBlob decodes the blob at the start of data, dispatching to the
// typed representation for magics this codec understands and falling
// back to Raw for everything else (including unknown magics, which round
// trip verbatim).
func ParseBlob(data []byte) (Blob, error) {
	magic, length, err := ParseBlobHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[:length]
	switch magic {
	case MagicCodeDirectory:
		return ParseCodeDirectory(body)
	case MagicRequirementSet:
		return ParseRequirementSet(body)
	case MagicRequirement:
		return ParseRequirement(body)
	case MagicEntitlements:
		return ParseEntitlements(body)
	case MagicEntitlementsDer:
		return ParseEntitlementsDer(body)
	default:
		return &Raw{Magic: magic, Payload: append([]byte(nil), body[blobHeaderSize:]...)}, nil
	}
}
