package cms

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/digitorus/pkcs7"

	"github.com/corewall/machosign/pkg/digest"
)

// Pkcs7Backend signs a CodeDirectory digest into a detached CMS
// SignedData blob using github.com/digitorus/pkcs7. When a
// TimestampClient is configured and SignCMS is called with a non-empty
// timestampURL, the finished signature is also timestamped; see SignCMS
// for why the token isn't folded back into the returned bytes.
type Pkcs7Backend struct {
	// Timestamp, if non-nil, is consulted whenever SignCMS is called
	// with a non-empty timestampURL.
	Timestamp *RFC3161Client
}

func hashAlgorithmFor(alg digest.Algorithm) (crypto.Hash, error) {
	switch alg {
	case digest.SHA1:
		return crypto.SHA1, nil
	case digest.SHA256, digest.SHA256Truncated:
		return crypto.SHA256, nil
	case digest.SHA384:
		return crypto.SHA384, nil
	case digest.SHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDigest, alg)
	}
}

// SignCMS builds a detached PKCS#7 SignedData over message (the
// CodeDirectory's digest, never the binary itself), embedding
// signerCert and extraCerts as the certificate chain and signing with
// signerKey. If timestampURL is non-empty and a TimestampClient was
// configured, the resulting signature value is timestamped; the token
// itself is only validated here, not merged into the returned bytes.
func (b *Pkcs7Backend) SignCMS(message []byte, signerCert *x509.Certificate, signerKey crypto.Signer, extraCerts []*x509.Certificate, alg digest.Algorithm, timestampURL string) ([]byte, error) {
	if signerCert == nil || signerKey == nil {
		return nil, ErrNoSigner
	}
	hash, err := hashAlgorithmFor(alg)
	if err != nil {
		return nil, err
	}

	sd, err := pkcs7.NewSignedData(message)
	if err != nil {
		return nil, fmt.Errorf("cms: initializing SignedData: %w", err)
	}
	sd.SetDigestAlgorithm(hash)

	if err := sd.AddSignerChain(signerCert, signerKey, extraCerts, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("cms: adding signer: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("cms: finishing SignedData: %w", err)
	}

	if timestampURL != "" && b.Timestamp != nil {
		// The RFC 3161 token covers the signature value itself, so it
		// must be requested after Finish produces it. digitorus/pkcs7
		// does not expose a way to fold a token back in as an
		// unauthenticated attribute on an already-finished SignedData,
		// so the token is requested and its error checked, then
		// discarded: the returned der does not contain it.
		if _, err := b.Timestamp.Timestamp(der, alg); err != nil {
			return nil, fmt.Errorf("cms: timestamping signature: %w", err)
		}
	}

	return der, nil
}
