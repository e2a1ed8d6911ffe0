package codesign

import (
	"bytes"
	"fmt"

	"github.com/corewall/machosign/internal/machofile"
	"github.com/corewall/machosign/pkg/codesign/types"
	"github.com/corewall/machosign/pkg/digest"
)

// Sign produces a new binary image with a freshly written embedded code
// signature, replacing any signature already present. It dispatches to
// the fat or thin path based on the leading magic; each fat-arch member
// is signed independently and the image is rebuilt around the results.
func Sign(data []byte, settings *SigningSettings) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: file too small to be Mach-O", machofile.ErrInvalidBinary)
	}

	if machofile.Magic(bigEndianUint32(data)) == machofile.MagicFat {
		ff, err := machofile.OpenFat(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, err
		}
		archBytes := make([][]byte, len(ff.Files))
		for i := range ff.Files {
			archData := data[ff.Arches[i].Offset : ff.Arches[i].Offset+ff.Arches[i].Size]
			arch, err := machofile.Open(bytes.NewReader(archData), 0, int64(len(archData)))
			if err != nil {
				return nil, fmt.Errorf("arch %d: %w", i, err)
			}
			signed, err := signThin(arch, archData, settings)
			if err != nil {
				return nil, fmt.Errorf("arch %d: %w", i, err)
			}
			archBytes[i] = signed
		}
		return machofile.Rebuild(ff.Arches, archBytes), nil
	}

	f, err := machofile.Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		return nil, err
	}
	return signThin(f, data, settings)
}

func bigEndianUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// signThin implements the per-architecture sign flow:
//
//  1. locate __LINKEDIT and any existing LC_CODE_SIGNATURE
//  2. check the binary's structural capacity to carry a signature
//  3. build the RequirementSet from settings.Requirements, a user-supplied,
//     already-compiled expression per kind; empty if the caller configured none
//  4. build Entitlements / EntitlementsDer if settings carries a plist
//  5. digest every page of the digestable segments
//  6. build the CodeDirectory, with special slots for Requirements,
//     Info, ResourceDir, Entitlements, DER entitlements
//  7. reserve a placeholder window sized by EstimateSize and splice it in
//  8. re-locate against the patched binary and rebuild the CodeDirectory
//     now that exec-seg fields and hash_offset are final
//  9. hand the CodeDirectory digest to the SigningBackend (if any) to
//     obtain a CMS blob; wrap it in a BlobWrapper at SlotSignature
//  10. assemble the final SuperBlob and splice it into the reserved window
func signThin(f *machofile.File, original []byte, settings *SigningSettings) ([]byte, error) {
	loc, err := f.Locate()
	if err != nil {
		return nil, err
	}
	if err := f.CheckSigningCapability(loc); err != nil {
		return nil, err
	}

	settings.Logger.Debugf("building requirement set and entitlements for %s", settings.Identifier)
	reqSet := &types.RequirementSet{Requirements: map[types.RequirementType]*types.Requirement{}}
	for reqType, body := range settings.Requirements {
		reqSet.Requirements[reqType] = &types.Requirement{Body: body}
	}

	var entitlements *types.Entitlements
	var entitlementsDer *types.EntitlementsDer
	if len(settings.Entitlements) > 0 {
		entitlements = &types.Entitlements{XML: settings.Entitlements}
		if der, err := types.DerEncodeEntitlements(settings.Entitlements); err == nil {
			entitlementsDer = &types.EntitlementsDer{DER: der}
		} else {
			settings.Logger.Warnf("entitlements did not translate to DER: %v", err)
		}
	}

	signing := settings.Backend != nil
	var certSizes []int
	if settings.SignerCert != nil {
		certSizes = append(certSizes, len(settings.SignerCert.Raw))
	}
	for _, c := range settings.ExtraCerts {
		certSizes = append(certSizes, len(c.Raw))
	}
	est := sizeEstimate{signing: signing, certDERSizes: certSizes}

	// First pass: build against the unpatched binary to get a page count,
	// reserve a generously-rounded window, and splice it in.
	cd, err := buildCodeDirectory(f, loc, original, settings, reqSet, entitlements, entitlementsDer)
	if err != nil {
		return nil, err
	}
	est.pageDigestBytes = uint64(len(cd.CodeSlots)+len(cd.SpecialSlots)) * uint64(cd.HashSize)
	reserved := EstimateSize(est)

	settings.Logger.Debugf("reserving %d bytes for signature (pass 1)", reserved)
	patched, err := f.Rewrite(original, loc, machofile.RewriteOptions{ReservedSize: reserved, Payload: make([]byte, reserved)})
	if err != nil {
		return nil, err
	}

	// Second pass: re-locate and re-derive the CodeDirectory against the
	// patched binary so exec_seg_base/limit and the digested page ranges
	// reflect the final layout, then build the real signature payload.
	pf, err := machofile.Open(bytes.NewReader(patched), 0, int64(len(patched)))
	if err != nil {
		return nil, fmt.Errorf("re-opening patched binary: %w", err)
	}
	ploc, err := pf.Locate()
	if err != nil {
		return nil, err
	}
	cd, err = buildCodeDirectory(pf, ploc, patched, settings, reqSet, entitlements, entitlementsDer)
	if err != nil {
		return nil, err
	}

	cdBytes, err := types.EmitCodeDirectory(cd)
	if err != nil {
		return nil, err
	}

	entries := []types.SuperBlobEntry{{Slot: types.SlotCodeDirectory, Blob: cd}}
	if len(reqSet.Requirements) > 0 {
		entries = append(entries, types.SuperBlobEntry{Slot: types.SlotRequirementSet, Blob: reqSet})
	}
	if entitlements != nil {
		entries = append(entries, types.SuperBlobEntry{Slot: types.SlotEntitlements, Blob: entitlements})
	}
	if entitlementsDer != nil {
		entries = append(entries, types.SuperBlobEntry{Slot: types.SlotEntitlementsDer, Blob: entitlementsDer})
	}

	if signing {
		settings.Logger.Infof("signing CodeDirectory digest for %s", settings.Identifier)
		digestBytes, err := digest.Sum(cd.HashType, cdBytes)
		if err != nil {
			return nil, err
		}
		cms, err := settings.Backend.SignCMS(digestBytes, settings.SignerCert, settings.SignerKey, settings.ExtraCerts, cd.HashType, settings.TimestampServer)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCmsFailure, err)
		}
		entries = append(entries, types.SuperBlobEntry{Slot: types.SlotSignature, Blob: &types.Raw{Magic: types.MagicBlobWrapper, Payload: cms}})
	} else {
		settings.Logger.Warnf("no SigningBackend configured; producing an ad hoc signature")
	}

	sb := &types.SuperBlob{Magic: types.MagicEmbeddedSignature, Entries: entries}
	payload := sb.Emit()
	if uint64(len(payload)) > reserved {
		return nil, fmt.Errorf("codesign: final signature (%d bytes) exceeds the reserved window (%d); re-sign with a larger estimate", len(payload), reserved)
	}
	// Pad to the full reservation so LC_CODE_SIGNATURE's datasize matches
	// the placeholder's: the load commands digested above stay unchanged.
	payload = append(payload, make([]byte, reserved-uint64(len(payload)))...)

	return pf.Rewrite(patched, ploc, machofile.RewriteOptions{ReservedSize: reserved, Payload: payload})
}

// digestablePages concatenates ranges into one logical byte stream and
// splits it into pageSize-byte chunks (the last one runt). A page may
// span two ranges; segment boundaries never force a digest boundary.
func digestablePages(data []byte, ranges []machofile.Range, pageSize uint64) [][]byte {
	var stream []byte
	for _, r := range ranges {
		stream = append(stream, data[r.Start:r.End]...)
	}
	var pages [][]byte
	for off := uint64(0); off < uint64(len(stream)); off += pageSize {
		end := off + pageSize
		if end > uint64(len(stream)) {
			end = uint64(len(stream))
		}
		pages = append(pages, stream[off:end])
	}
	return pages
}

// buildCodeDirectory computes every page digest over f's digestable
// segments and assembles the CodeDirectory record, including the special
// slots for requirements, entitlements, and the external Info/
// ResourceDir content when present.
func buildCodeDirectory(f *machofile.File, loc *machofile.Location, data []byte, settings *SigningSettings, reqSet *types.RequirementSet, ent *types.Entitlements, entDer *types.EntitlementsDer) (*types.CodeDirectory, error) {
	const pageSize = 4096

	cd := &types.CodeDirectory{
		Flags:        types.Flag(settings.Flags),
		Identifier:   settings.Identifier,
		TeamID:       settings.TeamID,
		HashType:     settings.HashAlgorithm,
		HashSize:     uint8(settings.HashAlgorithm.Size()),
		PageSize:     pageSize,
		ExecSegFlags: types.ExecSegFlag(settings.ExecSegFlags),
	}

	if base, limit, ok := f.ExecutableSegment(); ok {
		cd.ExecSegBase, cd.ExecSegLimit = base, limit
	}

	ranges := f.DigestableSegments(loc)
	var codeLimit uint64
	if n := len(ranges); n > 0 {
		codeLimit = ranges[n-1].End
	}
	for _, page := range digestablePages(data, ranges, pageSize) {
		sum, err := digest.Sum(cd.HashType, page)
		if err != nil {
			return nil, err
		}
		cd.CodeSlots = append(cd.CodeSlots, sum)
	}
	cd.CodeLimit = codeLimit

	if reqSetBytes := reqSet.Emit(); len(reqSet.Requirements) > 0 {
		sum, err := digest.Sum(cd.HashType, reqSetBytes)
		if err != nil {
			return nil, err
		}
		cd.SetSpecialDigest(types.SlotRequirementSet, sum)
	}
	if len(settings.InfoPlist) > 0 {
		sum, err := digest.Sum(cd.HashType, settings.InfoPlist)
		if err != nil {
			return nil, err
		}
		cd.SetSpecialDigest(types.SlotInfo, sum)
	}
	if len(settings.ResourceDir) > 0 {
		sum, err := digest.Sum(cd.HashType, settings.ResourceDir)
		if err != nil {
			return nil, err
		}
		cd.SetSpecialDigest(types.SlotResourceDir, sum)
	}
	if ent != nil {
		sum, err := digest.Sum(cd.HashType, ent.Emit())
		if err != nil {
			return nil, err
		}
		cd.SetSpecialDigest(types.SlotEntitlements, sum)
	}
	if entDer != nil {
		sum, err := digest.Sum(cd.HashType, entDer.Emit())
		if err != nil {
			return nil, err
		}
		cd.SetSpecialDigest(types.SlotEntitlementsDer, sum)
	}

	return cd, nil
}
