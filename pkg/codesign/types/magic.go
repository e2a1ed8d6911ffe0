// Package types implements the blob codec (C2) and CodeDirectory model
// (C3): the length-prefixed, magic-tagged binary records a SuperBlob is
// built from, and the versioned CodeDirectory record itself.
package types

import "fmt"

// Magic is the 32-bit constant at the start of every blob, identifying
// its payload shape.
type Magic uint32

const (
	MagicRequirement        Magic = 0xfade0c00
	MagicRequirementSet     Magic = 0xfade0c01
	MagicCodeDirectory      Magic = 0xfade0c02
	MagicEmbeddedSignature  Magic = 0xfade0cc0
	MagicEmbeddedSignatureOld Magic = 0xfade0b02
	MagicEntitlements       Magic = 0xfade7171
	MagicEntitlementsDer    Magic = 0xfade7172
	MagicDetachedSignature  Magic = 0xfade0cc1
	MagicBlobWrapper        Magic = 0xfade0b01
)

var magicNames = map[Magic]string{
	MagicRequirement:          "Requirement",
	MagicRequirementSet:       "RequirementSet",
	MagicCodeDirectory:        "CodeDirectory",
	MagicEmbeddedSignature:    "EmbeddedSignature",
	MagicEmbeddedSignatureOld: "EmbeddedSignatureOld",
	MagicEntitlements:         "Entitlements",
	MagicEntitlementsDer:      "EntitlementsDer",
	MagicDetachedSignature:    "DetachedSignature",
	MagicBlobWrapper:          "BlobWrapper",
}

// String names the magic, falling back to its hex value for anything
// outside the canonical set — unknown magics are preserved verbatim by
// the blob codec, not rejected.
func (m Magic) String() string {
	if s, ok := magicNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Magic(%#08x)", uint32(m))
}
