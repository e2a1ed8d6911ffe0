package codesign

import (
	"crypto"
	"crypto/x509"

	"github.com/corewall/machosign/pkg/digest"
)

// SigningBackend produces the CMS (PKCS#7) signature over a
// CodeDirectory digest. The core never constructs a CMS message itself;
// it hands the backend exactly the bytes that must be signed and gets
// back a DER-encoded SignedData blob to embed verbatim at SlotSignature.
type SigningBackend interface {
	SignCMS(message []byte, signerCert *x509.Certificate, signerKey crypto.Signer, extraCerts []*x509.Certificate, alg digest.Algorithm, timestampURL string) ([]byte, error)
}

// TimestampClient fetches an RFC 3161 timestamp token over a signature
// value, used by a SigningBackend that wants to embed one as an
// unauthenticated CMS attribute.
type TimestampClient interface {
	Timestamp(signature []byte, hashAlg digest.Algorithm) ([]byte, error)
}

// SignerReport is what a CMS verifier hands back about the signer it
// found: the certificate chain used, whether a timestamp was present and
// valid, and the name of the matched trust anchor (if any).
type SignerReport struct {
	SignerCertificate *x509.Certificate
	Chain             []*x509.Certificate
	TimestampVerified bool
	TrustAnchorName   string
}

// CMSVerifier validates a CMS SignedData blob against the message it is
// expected to cover (the CodeDirectory digest) and a set of acceptable
// trust anchors.
type CMSVerifier interface {
	VerifyCMS(cms []byte, expectedMessage []byte, trustAnchors []*x509.Certificate) (*SignerReport, error)
}
