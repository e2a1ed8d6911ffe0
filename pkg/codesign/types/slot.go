package types

import "fmt"

// SlotType identifies the role of a blob inside a SuperBlob.
type SlotType uint32

const (
	SlotCodeDirectory    SlotType = 0
	SlotInfo             SlotType = 1
	SlotRequirementSet   SlotType = 2
	SlotResourceDir      SlotType = 3
	SlotApplication      SlotType = 4
	SlotEntitlements     SlotType = 5
	SlotRepSpecific      SlotType = 6
	SlotEntitlementsDer  SlotType = 7

	SlotAlternateCodeDirectory0 SlotType = 0x1000
	SlotAlternateCodeDirectory4 SlotType = 0x1004

	SlotSignature      SlotType = 0x10000
	SlotIdentification SlotType = 0x10001
	SlotTicket         SlotType = 0x10002
)

var slotNames = map[SlotType]string{
	SlotCodeDirectory:   "CodeDirectory",
	SlotInfo:            "Info",
	SlotRequirementSet:  "RequirementSet",
	SlotResourceDir:     "ResourceDir",
	SlotApplication:     "Application",
	SlotEntitlements:    "Entitlements",
	SlotRepSpecific:     "RepSpecific",
	SlotEntitlementsDer: "EntitlementsDer",
	SlotSignature:       "Signature",
	SlotIdentification:  "Identification",
	SlotTicket:          "Ticket",
}

func (s SlotType) String() string {
	if name, ok := slotNames[s]; ok {
		return name
	}
	if s >= SlotAlternateCodeDirectory0 && s <= SlotAlternateCodeDirectory4 {
		return fmt.Sprintf("AlternateCodeDirectory%d", s-SlotAlternateCodeDirectory0)
	}
	return fmt.Sprintf("SlotType(%#x)", uint32(s))
}

// IsExternalContent reports whether slot refers to a digest of content
// outside the SuperBlob (Info.plist, CodeResources) rather than an
// embedded child blob.
func (s SlotType) IsExternalContent() bool {
	return s == SlotInfo || s == SlotResourceDir
}
