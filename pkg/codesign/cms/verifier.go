package cms

import (
	"crypto/x509"
	"fmt"

	"github.com/digitorus/pkcs7"

	"github.com/corewall/machosign/pkg/codesign"
)

// Pkcs7Verifier validates a detached PKCS#7 SignedData blob against the
// CodeDirectory digest it is expected to cover, using
// github.com/digitorus/pkcs7's own signature verification and an
// x509.Verify chain check against the supplied trust anchors.
type Pkcs7Verifier struct{}

func (Pkcs7Verifier) VerifyCMS(cms []byte, expectedMessage []byte, trustAnchors []*x509.Certificate) (*codesign.SignerReport, error) {
	p7, err := pkcs7.Parse(cms)
	if err != nil {
		return nil, fmt.Errorf("cms: parsing SignedData: %w", err)
	}
	p7.Content = expectedMessage

	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("cms: signature verification failed: %w", err)
	}

	if len(p7.Signers) == 0 || len(p7.Certificates) == 0 {
		return nil, fmt.Errorf("cms: no signer certificate present")
	}
	signerCert := p7.Certificates[0]
	report := &codesign.SignerReport{SignerCertificate: signerCert, Chain: p7.Certificates}

	if len(trustAnchors) > 0 {
		pool := x509.NewCertPool()
		for _, a := range trustAnchors {
			pool.AddCert(a)
		}
		intermediates := x509.NewCertPool()
		for _, c := range p7.Certificates[1:] {
			intermediates.AddCert(c)
		}
		chains, err := signerCert.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
		if err != nil {
			return nil, fmt.Errorf("cms: certificate does not chain to a trusted anchor: %w", err)
		}
		if len(chains) > 0 {
			report.TrustAnchorName = chains[0][len(chains[0])-1].Subject.CommonName
		}
	}

	return report, nil
}
