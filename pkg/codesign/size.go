package codesign

import (
	"crypto"
	"crypto/x509"

	"github.com/corewall/machosign/pkg/codesign/types"
	"github.com/corewall/machosign/pkg/digest"
)

// signatureOverhead is a fixed allowance for the SuperBlob header, the
// CodeDirectory prelude, the requirement set, and the entitlements
// blobs that accompany almost every signature.
const signatureOverhead = 1024

// cmsOverhead is added when the signature is cryptographic rather than
// ad hoc, covering the BlobWrapper header and the CMS ContentInfo
// wrapper around the signer info itself.
const cmsOverhead = 4096

// timestampFallback is used whenever no timestamp token length has been
// observed (timestampTokenLen is 0); Sign never supplies one, so it
// always sizes with this fallback.
const timestampFallback = 8192

// roundTo rounds n up to the next multiple of unit.
func roundTo(n, unit uint64) uint64 {
	if rem := n % unit; rem != 0 {
		n += unit - rem
	}
	return n
}

// SigningSettings configures a Sign call: identity, entitlements,
// timestamping, and the collaborators that do the actual cryptography.
// Construct with NewSigningSettings and the With* options below, in the
// style of a builder chain rather than a struct literal, so future
// fields default sensibly.
type SigningSettings struct {
	Identifier      string
	TeamID          string
	HashAlgorithm   digest.Algorithm
	TimestampServer string
	Entitlements    []byte                            // raw XML plist, or nil for none
	InfoPlist       []byte                            // raw Info.plist bytes for the external Info special digest, or nil
	ResourceDir     []byte                            // raw CodeResources bytes for the external ResourceDir special digest, or nil
	Requirements    map[types.RequirementType][]byte  // pre-compiled requirement expressions, keyed by kind
	Flags           uint32
	ExecSegFlags    uint64
	Backend         SigningBackend
	Timestamp       TimestampClient
	Logger          Logger

	SignerCert *x509.Certificate
	SignerKey  crypto.Signer
	ExtraCerts []*x509.Certificate
}

// SigningOption mutates a SigningSettings under construction.
type SigningOption func(*SigningSettings)

// NewSigningSettings builds a SigningSettings with sensible defaults
// (SHA-256 digests, no-op logging, ad hoc unless WithBackend is given)
// and applies opts in order.
func NewSigningSettings(identifier string, opts ...SigningOption) *SigningSettings {
	s := &SigningSettings{
		Identifier:    identifier,
		HashAlgorithm: digest.SHA256,
		Logger:        noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func WithTeamID(teamID string) SigningOption {
	return func(s *SigningSettings) { s.TeamID = teamID }
}

func WithTimestampServer(url string) SigningOption {
	return func(s *SigningSettings) { s.TimestampServer = url }
}

func WithEntitlements(xml []byte) SigningOption {
	return func(s *SigningSettings) { s.Entitlements = xml }
}

// WithInfoPlist supplies the bundle's Info.plist bytes so Sign can set
// the external Info special digest; the file itself is never embedded.
func WithInfoPlist(data []byte) SigningOption {
	return func(s *SigningSettings) { s.InfoPlist = data }
}

// WithResourceDir supplies the bundle's sealed CodeResources bytes so
// Sign can set the external ResourceDir special digest.
func WithResourceDir(data []byte) SigningOption {
	return func(s *SigningSettings) { s.ResourceDir = data }
}

// WithRequirement adds a pre-compiled requirement expression of the given
// kind (designated, host, guest, library, or plugin) to the signature's
// RequirementSet. body is opaque, already-compiled Requirement bytecode;
// Sign never parses or validates it, only stores and digests it. Calling
// this repeatedly with the same reqType replaces the earlier body.
func WithRequirement(reqType types.RequirementType, body []byte) SigningOption {
	return func(s *SigningSettings) {
		if s.Requirements == nil {
			s.Requirements = map[types.RequirementType][]byte{}
		}
		s.Requirements[reqType] = body
	}
}

func WithHashAlgorithm(alg digest.Algorithm) SigningOption {
	return func(s *SigningSettings) { s.HashAlgorithm = alg }
}

func WithFlags(flags uint32) SigningOption {
	return func(s *SigningSettings) { s.Flags = flags }
}

func WithExecSegFlags(flags uint64) SigningOption {
	return func(s *SigningSettings) { s.ExecSegFlags = flags }
}

// WithBackend supplies the cryptographic signer. Omitting it produces an
// ad hoc signature: a CodeDirectory with no CMS blob alongside it.
func WithBackend(b SigningBackend) SigningOption {
	return func(s *SigningSettings) { s.Backend = b }
}

// WithCertificate supplies the signer's leaf certificate, private key,
// and any intermediate certificates the backend should include alongside
// the signature.
func WithCertificate(cert *x509.Certificate, key crypto.Signer, extraCerts ...*x509.Certificate) SigningOption {
	return func(s *SigningSettings) {
		s.SignerCert = cert
		s.SignerKey = key
		s.ExtraCerts = extraCerts
	}
}

func WithTimestampClient(c TimestampClient) SigningOption {
	return func(s *SigningSettings) { s.Timestamp = c }
}

func WithLogger(l Logger) SigningOption {
	return func(s *SigningSettings) {
		if l != nil {
			s.Logger = l
		}
	}
}

// sizeEstimate holds the inputs to the size formula, gathered once
// before a two-pass sign so the first pass can reserve the right window
// without yet knowing the real CMS bytes.
type sizeEstimate struct {
	pageDigestBytes   uint64 // sum of every code-slot and special-slot digest length
	signing           bool
	certDERSizes      []int  // each signer/intermediate/root certificate, DER-encoded
	timestampTokenLen uint64 // 0 to use the conservative fallback
}

// EstimateSize implements the reserved-window formula: fixed overhead,
// plus every page and special digest, plus (if signing) the CMS
// allowance, every certificate's DER size, and either an observed
// timestamp token length or a conservative fallback — the whole sum
// rounded up to the next 1024-byte boundary.
func EstimateSize(est sizeEstimate) uint64 {
	total := uint64(signatureOverhead) + est.pageDigestBytes
	if est.signing {
		total += cmsOverhead
		for _, n := range est.certDERSizes {
			total += uint64(n)
		}
		if est.timestampTokenLen > 0 {
			total += est.timestampTokenLen
		} else {
			total += timestampFallback
		}
	}
	return roundTo(total, 1024)
}
