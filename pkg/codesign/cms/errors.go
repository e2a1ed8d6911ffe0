// Package cms implements the concrete CMS (PKCS#7) signing and
// verification backend pkg/codesign depends on only through its
// SigningBackend/CMSVerifier/TimestampClient interfaces.
package cms

import "errors"

var (
	// ErrNoSigner is returned by Pkcs7Backend.SignCMS when no signer
	// certificate/key pair is configured.
	ErrNoSigner = errors.New("cms: no signer certificate configured")

	// ErrUnsupportedDigest is returned when the requested digest
	// algorithm has no crypto.Hash equivalent this backend can use.
	ErrUnsupportedDigest = errors.New("cms: digest algorithm has no CMS equivalent")
)
