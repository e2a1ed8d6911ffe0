package codesign

import (
	"bytes"
	"crypto/x509"
	"fmt"

	"github.com/corewall/machosign/internal/machofile"
	"github.com/corewall/machosign/pkg/codesign/types"
	"github.com/corewall/machosign/pkg/digest"
)

// Verify recomputes every digest a CodeDirectory claims and compares it
// against the binary's actual bytes, then (if a CMS signature is
// present) hands it to verifier along with the acceptable trust anchors.
// Every mismatch is collected into the returned VerificationProblem
// rather than stopping at the first one; a binary with no embedded
// signature at all is a hard error, not a verification problem.
func Verify(data []byte, verifier CMSVerifier, trustAnchors []*x509.Certificate) (*VerificationProblem, error) {
	f, err := machofile.Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		return nil, err
	}
	loc, err := f.Locate()
	if err != nil {
		return nil, err
	}
	if !loc.HasSignature {
		return nil, ErrBinaryNoCodeSignature
	}

	sigBytes := data[loc.SigStart:loc.SigEnd]
	es, err := ParseEmbeddedSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}

	problems := &VerificationProblem{}
	cd, err := es.CodeDirectory()
	if err != nil {
		return nil, err
	}

	verifyPageDigests(problems, f, loc, data, cd)
	verifySpecialDigests(problems, cd, es)

	if sig := es.SignatureBlob(); sig != nil {
		if verifier == nil {
			problems.add("CMS signature present but no CMSVerifier was supplied")
		} else {
			cdBytes, err := types.EmitCodeDirectory(cd)
			if err != nil {
				problems.add("re-emitting CodeDirectory for verification: %v", err)
			} else {
				cdDigest, err := digest.Sum(cd.HashType, cdBytes)
				if err != nil {
					problems.add("hashing CodeDirectory: %v", err)
				} else if _, err := verifier.VerifyCMS(sig, cdDigest, trustAnchors); err != nil {
					problems.add("%w: %v", ErrCmsFailure, err)
				}
			}
		}
	}

	return problems, nil
}

// verifyPageDigests re-hashes every digestable page of the binary and
// compares it against the CodeDirectory's stored code slots, in order.
func verifyPageDigests(problems *VerificationProblem, f *machofile.File, loc *machofile.Location, data []byte, cd *types.CodeDirectory) {
	pageSize := cd.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}

	var slot int
	for _, page := range digestablePages(data, f.DigestableSegments(loc), uint64(pageSize)) {
		if slot >= len(cd.CodeSlots) {
			problems.add("code slot %d: binary has more pages than the CodeDirectory covers", slot)
			slot++
			continue
		}
		sum, err := digest.Sum(cd.HashType, page)
		if err != nil {
			problems.add("code slot %d: %v", slot, err)
		} else if !bytes.Equal(sum, cd.CodeSlots[slot]) {
			problems.add("code slot %d: digest mismatch", slot)
		}
		slot++
	}
	if slot < len(cd.CodeSlots) {
		problems.add("CodeDirectory declares %d code slots but the binary has only %d pages", len(cd.CodeSlots), slot)
	}
}

// verifySpecialDigests checks the Requirements, Entitlements, and DER
// entitlements special slots against the sibling blobs actually present
// in the SuperBlob.
func verifySpecialDigests(problems *VerificationProblem, cd *types.CodeDirectory, es *EmbeddedSignature) {
	check := func(slot types.SlotType, name string, blob types.Blob) {
		want, wantOK := cd.SpecialSlots[slot]
		if blob == nil {
			if wantOK {
				problems.add("%s: CodeDirectory has a digest but no %s blob is present", name, name)
			}
			return
		}
		if !wantOK {
			problems.add("%s: blob present but CodeDirectory has no digest for it", name)
			return
		}
		got, err := digest.Sum(cd.HashType, blob.Emit())
		if err != nil {
			problems.add("%s: %v", name, err)
			return
		}
		if !bytes.Equal(got, want) {
			problems.add("%s: digest mismatch", name)
		}
	}

	if rs := es.RequirementSet(); rs != nil {
		check(types.SlotRequirementSet, "RequirementSet", rs)
	} else if _, ok := cd.SpecialSlots[types.SlotRequirementSet]; ok {
		problems.add("RequirementSet: CodeDirectory has a digest but no RequirementSet blob is present")
	}

	if ent := es.Entitlements(); ent != nil {
		check(types.SlotEntitlements, "Entitlements", ent)
	} else if _, ok := cd.SpecialSlots[types.SlotEntitlements]; ok {
		problems.add("Entitlements: CodeDirectory has a digest but no Entitlements blob is present")
	}

	if der := es.EntitlementsDer(); der != nil {
		check(types.SlotEntitlementsDer, "EntitlementsDer", der)
	} else if _, ok := cd.SpecialSlots[types.SlotEntitlementsDer]; ok {
		problems.add("EntitlementsDer: CodeDirectory has a digest but no EntitlementsDer blob is present")
	}
}
