package types

import (
	"encoding/binary"
	"fmt"
)

// RequirementType identifies which evaluation slot a Requirement within a
// RequirementSet fills.
type RequirementType uint32

const (
	RequirementTypeHost       RequirementType = 1
	RequirementTypeGuest      RequirementType = 2
	RequirementTypeDesignated RequirementType = 3
	RequirementTypeLibrary    RequirementType = 4
	RequirementTypePlugin     RequirementType = 5
)

var requirementTypeNames = map[RequirementType]string{
	RequirementTypeHost:       "Host",
	RequirementTypeGuest:      "Guest",
	RequirementTypeDesignated: "Designated",
	RequirementTypeLibrary:    "Library",
	RequirementTypePlugin:     "Plugin",
}

func (t RequirementType) String() string {
	if s, ok := requirementTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("RequirementType(%d)", uint32(t))
}

// Requirement is a single compiled Code Requirements expression. This
// codec treats its body as opaque: the expression language is not
// interpreted, only preserved byte-for-byte across parse/emit. Text is
// a best-effort disassembly for display purposes only and is never
// consulted when emitting — it is not authoritative.
type Requirement struct {
	Body []byte
	Text string
}

func (r *Requirement) BlobMagic() Magic { return MagicRequirement }

func (r *Requirement) Emit() []byte {
	out := make([]byte, blobHeaderSize+len(r.Body))
	binary.BigEndian.PutUint32(out[0:4], uint32(MagicRequirement))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)))
	copy(out[8:], r.Body)
	return out
}

// ParseRequirement decodes a standalone Requirement blob (header included).
func ParseRequirement(data []byte) (*Requirement, error) {
	magic, length, err := ParseBlobHeader(data)
	if err != nil {
		return nil, err
	}
	if magic != MagicRequirement {
		return nil, fmt.Errorf("%w: expected Requirement magic, got %s", ErrBlobMalformed, magic)
	}
	body := append([]byte(nil), data[blobHeaderSize:length]...)
	return &Requirement{Body: body, Text: disassembleRequirement(body)}, nil
}

// RequirementSet is an indexed collection of Requirements, one per
// RequirementType slot it carries (a type appears at most once).
type RequirementSet struct {
	Requirements map[RequirementType]*Requirement
}

func (s *RequirementSet) BlobMagic() Magic { return MagicRequirementSet }

// ParseRequirementSet decodes a RequirementSet blob (header included). The
// payload is count:u32 followed by count (type, offset) pairs in
// ascending offset order, then each Requirement's bytes back to back.
func ParseRequirementSet(data []byte) (*RequirementSet, error) {
	magic, length, err := ParseBlobHeader(data)
	if err != nil {
		return nil, err
	}
	if magic != MagicRequirementSet {
		return nil, fmt.Errorf("%w: expected RequirementSet magic, got %s", ErrBlobMalformed, magic)
	}
	p := data[blobHeaderSize:length]
	if len(p) < 4 {
		return nil, fmt.Errorf("%w: RequirementSet missing count", ErrBlobMalformed)
	}
	count := binary.BigEndian.Uint32(p[0:4])
	indexLen := 4 + int(count)*8
	if len(p) < indexLen {
		return nil, fmt.Errorf("%w: RequirementSet index truncated", ErrBlobMalformed)
	}

	set := &RequirementSet{Requirements: make(map[RequirementType]*Requirement, count)}
	prevOffset := -1
	for i := uint32(0); i < count; i++ {
		entry := p[4+i*8 : 4+i*8+8]
		reqType := RequirementType(binary.BigEndian.Uint32(entry[0:4]))
		offset := int(binary.BigEndian.Uint32(entry[4:8]))
		if offset <= prevOffset || offset > len(p) {
			return nil, fmt.Errorf("%w: RequirementSet entry %d offset %d out of order", ErrBlobMalformed, i, offset)
		}
		prevOffset = offset

		req, err := ParseRequirement(p[offset:])
		if err != nil {
			return nil, fmt.Errorf("requirement %s: %w", reqType, err)
		}
		set.Requirements[reqType] = req
	}
	return set, nil
}

// Emit serializes the RequirementSet in ascending RequirementType order,
// which is also the ascending offset order the index requires.
func (s *RequirementSet) Emit() []byte {
	types := make([]RequirementType, 0, len(s.Requirements))
	for t := range s.Requirements {
		types = append(types, t)
	}
	for i := 1; i < len(types); i++ {
		for j := i; j > 0 && types[j-1] > types[j]; j-- {
			types[j-1], types[j] = types[j], types[j-1]
		}
	}

	indexLen := 4 + len(types)*8
	index := make([]byte, indexLen)
	binary.BigEndian.PutUint32(index[0:4], uint32(len(types)))

	var bodies []byte
	for i, t := range types {
		offset := uint32(indexLen) + uint32(len(bodies))
		entry := index[4+i*8 : 4+i*8+8]
		binary.BigEndian.PutUint32(entry[0:4], uint32(t))
		binary.BigEndian.PutUint32(entry[4:8], offset)
		bodies = append(bodies, s.Requirements[t].Emit()...)
	}

	payload := append(index, bodies...)
	out := make([]byte, blobHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(MagicRequirementSet))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)))
	copy(out[8:], payload)
	return out
}

// disassembleRequirement produces a short, non-authoritative label for a
// requirement body. Full expression disassembly is out of scope; this
// exists only so dump output has something readable to show.
func disassembleRequirement(body []byte) string {
	if len(body) < 4 {
		return "<empty requirement>"
	}
	kind := binary.BigEndian.Uint32(body[0:4])
	return fmt.Sprintf("<requirement expr kind=%d, %d bytes>", kind, len(body))
}
