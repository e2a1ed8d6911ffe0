// Package codesign implements the Mach-O code-signing orchestrator: it
// combines the digest engine, blob codec, CodeDirectory model, and
// Mach-O locator/rewriter with an injected CMS backend and trust-anchor
// registry to sign and verify embedded code signatures.
package codesign

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBadMagic is returned when a blob's magic does not match what
	// the caller expected at that position.
	ErrBadMagic = errors.New("codesign: unexpected blob magic")

	// ErrBinaryNoCodeSignature is returned by operations that require an
	// existing LC_CODE_SIGNATURE (e.g. Verify) when none is present.
	ErrBinaryNoCodeSignature = errors.New("codesign: binary carries no code signature")

	// ErrCmsFailure wraps a failure surfaced by the injected CMS signing
	// or verification backend.
	ErrCmsFailure = errors.New("codesign: CMS backend failure")
)

// VerificationProblem aggregates every mismatch Verify finds rather than
// stopping at the first one; callers that want to show a user every
// problem can range over Problems directly.
type VerificationProblem struct {
	Problems []error
}

func (v *VerificationProblem) Error() string {
	if len(v.Problems) == 1 {
		return v.Problems[0].Error()
	}
	msgs := make([]string, len(v.Problems))
	for i, p := range v.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("%d verification problems: %s", len(v.Problems), strings.Join(msgs, "; "))
}

func (v *VerificationProblem) Unwrap() []error { return v.Problems }

// Empty reports whether no problems were recorded.
func (v *VerificationProblem) Empty() bool { return len(v.Problems) == 0 }

func (v *VerificationProblem) add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Errorf(format, args...))
}
