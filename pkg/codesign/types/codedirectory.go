package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/corewall/machosign/pkg/digest"
)

var (
	ErrBadIdentifierString = errors.New("types: CodeDirectory identifier is not NUL-terminated")
	ErrBadTeamString       = errors.New("types: CodeDirectory team identifier is not NUL-terminated")

	// ErrScatterOffsetUnsupported is returned by Validate/EmitCodeDirectory
	// when ScatterOffset is non-zero. This codec parses and preserves
	// scatter_offset but never originates a non-zero scatter vector, and a
	// caller who set one must be told explicitly rather than have it
	// silently dropped on emit.
	ErrScatterOffsetUnsupported = errors.New("types: emitting a non-zero CodeDirectory scatter_offset is not supported")

	// ErrHashSizeMismatch is returned when HashSize does not match the
	// digest length HashType implies.
	ErrHashSizeMismatch = errors.New("types: CodeDirectory hash_size inconsistent with hash_type")
)

// Version is the CodeDirectory compatibility version; it gates which
// optional prelude fields are present on the wire.
type Version uint32

const (
	VersionEarliest           Version = 0x20001
	VersionScatter            Version = 0x20100
	VersionTeamID             Version = 0x20200
	VersionCodeLimit64        Version = 0x20300
	VersionExecSeg            Version = 0x20400
	VersionRuntime            Version = 0x20500
	VersionLinkage            Version = 0x20600
	VersionCompatibilityLimit Version = 0x2F000
)

// Flag is the CodeDirectory's signing-attribute bitfield.
type Flag uint32

const (
	FlagNone              Flag = 0
	FlagHost              Flag = 0x0001
	FlagAdhoc             Flag = 0x0002
	FlagForceHard         Flag = 0x0100
	FlagForceKill         Flag = 0x0200
	FlagForceExpiration   Flag = 0x0400
	FlagRestrict          Flag = 0x0800
	FlagEnforcement       Flag = 0x1000
	FlagLibraryValidation Flag = 0x2000
	FlagRuntime           Flag = 0x10000
	FlagLinkerSigned      Flag = 0x20000
)

var flagNames = []struct {
	bit  Flag
	name string
}{
	{FlagHost, "Host"},
	{FlagAdhoc, "Adhoc"},
	{FlagForceHard, "ForceHard"},
	{FlagForceKill, "ForceKill"},
	{FlagForceExpiration, "ForceExpiration"},
	{FlagRestrict, "Restrict"},
	{FlagEnforcement, "Enforcement"},
	{FlagLibraryValidation, "LibraryValidation"},
	{FlagRuntime, "Runtime"},
	{FlagLinkerSigned, "LinkerSigned"},
}

// String renders the flag bitfield as comma-separated named tokens,
// matching only the bits this format assigns a name to.
func (f Flag) String() string {
	if f == FlagNone {
		return "None"
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.bit != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("Flag(%#x)", uint32(f))
	}
	return strings.Join(names, ",")
}

// ExecSegFlag is the CodeDirectory's executable-segment bitfield.
type ExecSegFlag uint64

const (
	ExecSegNone                ExecSegFlag = 0
	ExecSegMainBinary          ExecSegFlag = 0x1
	ExecSegAllowUnsigned       ExecSegFlag = 0x10
	ExecSegDebugger            ExecSegFlag = 0x20
	ExecSegJit                 ExecSegFlag = 0x40
	ExecSegSkipLibraryValidation ExecSegFlag = 0x80
	ExecSegCanLoadCdHash       ExecSegFlag = 0x100
	ExecSegCanExecCdHash       ExecSegFlag = 0x200
)

// prelude field byte offsets, relative to the start of the CodeDirectory
// payload (i.e. immediately after the 8-byte blob header).
const (
	offVersion      = 0x00
	offFlags        = 0x04
	offHashOffset   = 0x08
	offIdentOffset  = 0x0c
	offNSpecial     = 0x10
	offNCode        = 0x14
	offCodeLimit    = 0x18
	offHashSize     = 0x1c
	offHashType     = 0x1d
	offPlatform     = 0x1e
	offPageSizeLog2 = 0x1f
	offSpare2       = 0x20
	offScatter      = 0x24
	offTeam         = 0x28
	offSpare3       = 0x2c
	offCodeLimit64  = 0x30
	offExecSegBase  = 0x38
	offExecSegLimit = 0x40
	offExecSegFlags = 0x48
	offRuntime      = 0x50
	offPreEncrypt   = 0x54
	offLinkageType  = 0x58
	offLinkageTrunc = 0x59
	offSpare4       = 0x5a
	offLinkageOff   = 0x5c
	offLinkageSize  = 0x60

	preludeLen20400 = 0x50 // size through version 0x20400's fields
	preludeLen20500 = 0x58
	preludeLen20600 = 0x64
)

// CodeDirectory is the versioned code directory record: one CodeDirectory
// blob describes a complete set of page digests for one hash algorithm,
// plus the special-slot digests of every other blob in the SuperBlob.
type CodeDirectory struct {
	Version   Version
	Flags     Flag
	CodeLimit uint64 // promoted from code_limit/code_limit_64 on parse
	HashType  digest.Algorithm
	HashSize  uint8
	Platform  uint8
	PageSize  uint32 // decoded from page_size_log2; 0 disables paging

	Identifier string
	TeamID     string // empty if absent (team_offset == 0)

	ScatterOffset uint32

	ExecSegBase  uint64
	ExecSegLimit uint64
	ExecSegFlags ExecSegFlag

	Runtime          uint32
	PreEncryptOffset uint32

	LinkageHashType  uint8
	LinkageTruncated uint8
	LinkageOffset    uint32
	LinkageSize      uint32

	// CodeSlots holds the n_code_slots page digests in order.
	CodeSlots [][]byte
	// SpecialSlots maps a slot (1-based; slot 0 is the CodeDirectory
	// itself and is never stored here) to its digest. Absent entries mean
	// unoccupied. An explicit null (all-zero) digest is kept and emitted,
	// but ParseCodeDirectory reads an all-zero digest back as absent.
	SpecialSlots map[SlotType][]byte
}

func (c *CodeDirectory) BlobMagic() Magic { return MagicCodeDirectory }

// HighestSpecialSlot returns the largest occupied special-slot index, or
// 0 if none are set.
func (c *CodeDirectory) HighestSpecialSlot() SlotType {
	var max SlotType
	for slot := range c.SpecialSlots {
		if slot > max {
			max = slot
		}
	}
	return max
}

// SetSpecialDigest assigns (or clears, with a nil digest) the digest for
// slot. A digest of all zero bytes ("null digest") is stored and emitted
// as-is, though ParseCodeDirectory reads it back as an unoccupied slot;
// pass nil to remove the slot entirely.
func (c *CodeDirectory) SetSpecialDigest(slot SlotType, digest []byte) {
	if c.SpecialSlots == nil {
		c.SpecialSlots = make(map[SlotType][]byte)
	}
	if digest == nil {
		delete(c.SpecialSlots, slot)
		return
	}
	c.SpecialSlots[slot] = digest
}

// AutoVersion returns the smallest compatibility version whose gated
// fields are all populated, per the precedence earliest-first.
func (c *CodeDirectory) AutoVersion() Version {
	v := VersionExecSeg // exec-seg fields are always emitted, even when zero
	if c.ScatterOffset != 0 && v < VersionScatter {
		v = VersionScatter
	}
	if c.TeamID != "" && v < VersionTeamID {
		v = VersionTeamID
	}
	if c.LinkageOffset != 0 || c.LinkageSize != 0 {
		v = VersionLinkage
	} else if c.Runtime != 0 || c.PreEncryptOffset != 0 {
		if v < VersionRuntime {
			v = VersionRuntime
		}
	}
	return v
}

// ClearNewerFields zeroes every field gated above c.Version, so field
// presence stays consistent with the declared version.
func (c *CodeDirectory) ClearNewerFields() {
	if c.Version < VersionLinkage {
		c.LinkageHashType, c.LinkageTruncated, c.LinkageOffset, c.LinkageSize = 0, 0, 0, 0
	}
	if c.Version < VersionRuntime {
		c.Runtime, c.PreEncryptOffset = 0, 0
	}
	if c.Version < VersionExecSeg {
		c.ExecSegBase, c.ExecSegLimit, c.ExecSegFlags = 0, 0, 0
	}
	if c.Version < VersionCodeLimit64 {
		// CodeLimit carries both code_limit and code_limit_64, so there
		// is no separate field to clear here.
	}
	if c.Version < VersionTeamID {
		c.TeamID = ""
	}
	if c.Version < VersionScatter {
		c.ScatterOffset = 0
	}
}

// ParseCodeDirectory decodes a CodeDirectory blob (header included).
func ParseCodeDirectory(data []byte) (*CodeDirectory, error) {
	magic, length, err := ParseBlobHeader(data)
	if err != nil {
		return nil, err
	}
	if magic != MagicCodeDirectory {
		return nil, fmt.Errorf("%w: expected CodeDirectory magic, got %s", ErrBlobMalformed, magic)
	}
	p := data[blobHeaderSize:length]
	if len(p) < int(offSpare2)+4 {
		return nil, fmt.Errorf("%w: CodeDirectory prelude truncated", ErrBlobMalformed)
	}

	c := &CodeDirectory{SpecialSlots: make(map[SlotType][]byte)}
	c.Version = Version(binary.BigEndian.Uint32(p[offVersion:]))
	c.Flags = Flag(binary.BigEndian.Uint32(p[offFlags:]))
	// hash_offset/ident_offset/team_offset are recorded relative to the
	// blob start (including the 8-byte header, per Emit's back-patching),
	// but p is payload-only, so rebase them before indexing p.
	hashOffset := binary.BigEndian.Uint32(p[offHashOffset:]) - blobHeaderSize
	identOffset := binary.BigEndian.Uint32(p[offIdentOffset:]) - blobHeaderSize
	nSpecial := binary.BigEndian.Uint32(p[offNSpecial:])
	nCode := binary.BigEndian.Uint32(p[offNCode:])
	codeLimit32 := binary.BigEndian.Uint32(p[offCodeLimit:])
	c.HashSize = p[offHashSize]
	c.HashType = digest.Algorithm(p[offHashType])
	c.Platform = p[offPlatform]
	if log2 := p[offPageSizeLog2]; log2 != 0 {
		c.PageSize = 1 << log2
	}
	c.CodeLimit = uint64(codeLimit32)

	if c.Version >= VersionScatter && len(p) > int(offScatter)+4 {
		c.ScatterOffset = binary.BigEndian.Uint32(p[offScatter:])
	}
	if c.Version >= VersionTeamID && len(p) > int(offTeam)+4 {
		if teamOffset := binary.BigEndian.Uint32(p[offTeam:]); teamOffset != 0 {
			s, err := cStringAt(p, teamOffset-blobHeaderSize)
			if err != nil {
				return nil, ErrBadTeamString
			}
			c.TeamID = s
		}
	}
	if c.Version >= VersionCodeLimit64 && len(p) > int(offCodeLimit64)+8 {
		if limit64 := binary.BigEndian.Uint64(p[offCodeLimit64:]); limit64 != 0 {
			c.CodeLimit = limit64
		}
	}
	if c.Version >= VersionExecSeg && len(p) > int(offExecSegFlags)+8 {
		c.ExecSegBase = binary.BigEndian.Uint64(p[offExecSegBase:])
		c.ExecSegLimit = binary.BigEndian.Uint64(p[offExecSegLimit:])
		c.ExecSegFlags = ExecSegFlag(binary.BigEndian.Uint64(p[offExecSegFlags:]))
	}
	if c.Version >= VersionRuntime && len(p) > int(offPreEncrypt)+4 {
		c.Runtime = binary.BigEndian.Uint32(p[offRuntime:])
		c.PreEncryptOffset = binary.BigEndian.Uint32(p[offPreEncrypt:])
	}
	if c.Version >= VersionLinkage && len(p) > int(offLinkageSize)+4 {
		c.LinkageHashType = p[offLinkageType]
		c.LinkageTruncated = p[offLinkageTrunc]
		c.LinkageOffset = binary.BigEndian.Uint32(p[offLinkageOff:])
		c.LinkageSize = binary.BigEndian.Uint32(p[offLinkageSize:])
	}

	ident, err := cStringAt(p, identOffset)
	if err != nil {
		return nil, ErrBadIdentifierString
	}
	c.Identifier = ident

	hashSize := int(c.HashSize)
	for k := uint32(1); k <= nSpecial; k++ {
		start := int(hashOffset) - int(k)*hashSize
		if start < 0 || start+hashSize > len(p) {
			return nil, fmt.Errorf("%w: special slot %d digest out of range", ErrBlobMalformed, k)
		}
		d := p[start : start+hashSize]
		if !isAllZero(d) {
			c.SpecialSlots[SlotType(k)] = append([]byte(nil), d...)
		}
	}

	for i := uint32(0); i < nCode; i++ {
		start := int(hashOffset) + int(i)*hashSize
		if start+hashSize > len(p) {
			return nil, fmt.Errorf("%w: code slot %d digest out of range", ErrBlobMalformed, i)
		}
		c.CodeSlots = append(c.CodeSlots, append([]byte(nil), p[start:start+hashSize]...))
	}

	return c, nil
}

// Validate enforces the write-time invariants Emit depends on: HashSize
// must agree with HashType's digest length, and ScatterOffset must be
// zero. Emit itself never fails (it satisfies Blob), so callers that need
// these invariants observed — chiefly the signing orchestrator, before
// handing a CodeDirectory to a SuperBlob — should call EmitCodeDirectory
// instead of Emit directly.
func (c *CodeDirectory) Validate() error {
	if c.ScatterOffset != 0 {
		return ErrScatterOffsetUnsupported
	}
	if want := c.HashType.Size(); want != 0 && int(c.HashSize) != want {
		return fmt.Errorf("%w: hash_size %d, %s wants %d", ErrHashSizeMismatch, c.HashSize, c.HashType, want)
	}
	return nil
}

// EmitCodeDirectory validates c and serializes it, surfacing the failures
// Validate describes instead of Emit's unconditional []byte.
func EmitCodeDirectory(c *CodeDirectory) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c.Emit(), nil
}

// Emit serializes the CodeDirectory, back-patching hash_offset and
// ident_offset once the variable-length tail is laid out.
func (c *CodeDirectory) Emit() []byte {
	c.Version = c.AutoVersion()
	c.ClearNewerFields()

	preludeLen := preludeLen20400
	switch {
	case c.Version >= VersionLinkage:
		preludeLen = preludeLen20600
	case c.Version >= VersionRuntime:
		preludeLen = preludeLen20500
	}

	body := make([]byte, preludeLen)
	binary.BigEndian.PutUint32(body[offVersion:], uint32(c.Version))
	binary.BigEndian.PutUint32(body[offFlags:], uint32(c.Flags))
	binary.BigEndian.PutUint32(body[offNSpecial:], uint32(c.HighestSpecialSlot()))
	binary.BigEndian.PutUint32(body[offNCode:], uint32(len(c.CodeSlots)))
	body[offHashSize] = c.HashSize
	body[offHashType] = byte(c.HashType)
	body[offPlatform] = c.Platform
	if c.PageSize != 0 {
		body[offPageSizeLog2] = byte(log2Uint32(c.PageSize))
	}

	codeLimit32 := c.CodeLimit
	if codeLimit32 > 0xffffffff {
		codeLimit32 = 0
	}
	binary.BigEndian.PutUint32(body[offCodeLimit:], uint32(codeLimit32))

	if c.Version >= VersionScatter {
		binary.BigEndian.PutUint32(body[offScatter:], c.ScatterOffset)
	}
	if c.Version >= VersionCodeLimit64 && c.CodeLimit > 0xffffffff {
		binary.BigEndian.PutUint64(body[offCodeLimit64:], c.CodeLimit)
	}
	if c.Version >= VersionExecSeg {
		binary.BigEndian.PutUint64(body[offExecSegBase:], c.ExecSegBase)
		binary.BigEndian.PutUint64(body[offExecSegLimit:], c.ExecSegLimit)
		binary.BigEndian.PutUint64(body[offExecSegFlags:], uint64(c.ExecSegFlags))
	}
	if c.Version >= VersionRuntime {
		binary.BigEndian.PutUint32(body[offRuntime:], c.Runtime)
		binary.BigEndian.PutUint32(body[offPreEncrypt:], c.PreEncryptOffset)
	}
	if c.Version >= VersionLinkage {
		body[offLinkageType] = c.LinkageHashType
		body[offLinkageTrunc] = c.LinkageTruncated
		binary.BigEndian.PutUint32(body[offLinkageOff:], c.LinkageOffset)
		binary.BigEndian.PutUint32(body[offLinkageSize:], c.LinkageSize)
	}

	// Team identifier (if present) comes right after the prelude, then
	// the primary identifier.
	var tail []byte
	teamOffset := uint32(0)
	if c.TeamID != "" {
		teamOffset = uint32(len(body)) + blobHeaderSize
		tail = append(tail, []byte(c.TeamID)...)
		tail = append(tail, 0)
	}
	if c.Version >= VersionTeamID {
		binary.BigEndian.PutUint32(body[offTeam:], teamOffset)
	}

	identOffset := uint32(len(body)+len(tail)) + blobHeaderSize
	tail = append(tail, []byte(c.Identifier)...)
	tail = append(tail, 0)

	hashSize := int(c.HashSize)
	highest := c.HighestSpecialSlot()
	for k := highest; k >= 1; k-- {
		d, ok := c.SpecialSlots[k]
		if !ok {
			d = make([]byte, hashSize)
		}
		tail = append(tail, d...)
	}
	hashOffset := uint32(len(body)+len(tail)) + blobHeaderSize
	for _, d := range c.CodeSlots {
		tail = append(tail, d...)
	}

	binary.BigEndian.PutUint32(body[offHashOffset:], hashOffset)
	binary.BigEndian.PutUint32(body[offIdentOffset:], identOffset)

	payload := append(body, tail...)
	out := make([]byte, blobHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(MagicCodeDirectory))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)))
	copy(out[8:], payload)
	return out
}

func cStringAt(p []byte, offset uint32) (string, error) {
	if int(offset) > len(p) {
		return "", fmt.Errorf("offset %d beyond %d-byte buffer", offset, len(p))
	}
	rest := p[offset:]
	n := 0
	for n < len(rest) && rest[n] != 0 {
		n++
	}
	if n == len(rest) {
		return "", fmt.Errorf("no NUL terminator")
	}
	return string(rest[:n]), nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func log2Uint32(v uint32) int {
	n := 0
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}
