// Package trust implements the Apple trust-anchor registry: the fixed
// set of certificates a verifier is willing to treat as authoritative,
// plus the certificate-profile inference that names what role a leaf
// certificate plays (Developer ID, Apple Development, ...).
package trust

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrCertificateNotLoaded names the state of a metadata-table entry that
// has no DER bytes registered against it yet. No Registry method returns
// it; TryMatch reports such entries as a plain non-match.
var ErrCertificateNotLoaded = errors.New("trust: certificate metadata known but DER not loaded")

// Metadata names one certificate this registry knows about, without
// carrying its DER bytes: the registry is deliberately decoupled from
// any particular certificate bundle, so the actual bytes are supplied
// at runtime (a PEM bundle on disk, an embedded asset, the system trust
// store) rather than baked into the binary.
type Metadata struct {
	Name   string
	IsRoot bool
}

// Well-known Apple trust-anchor names, by role. This table records which
// names the registry recognizes and whether each is a root or an
// intermediate; it carries no key material.
var knownMetadata = []Metadata{
	{Name: "Apple Root CA", IsRoot: true},
	{Name: "Apple Root CA - G2", IsRoot: true},
	{Name: "Apple Root CA - G3", IsRoot: true},
	{Name: "Apple Worldwide Developer Relations Certification Authority", IsRoot: false},
	{Name: "Developer ID Certification Authority", IsRoot: false},
	{Name: "Apple Timestamp Certification Authority", IsRoot: false},
}

// Registry pairs the known-metadata table with whatever DER-encoded
// certificates the caller has actually loaded for each name.
type Registry struct {
	loaded map[string]*x509.Certificate
}

// NewRegistry returns a Registry with every known-metadata name present
// but unloaded; call Load to attach DER bytes before All/AllRoots/
// TryMatch can use a given entry.
func NewRegistry() *Registry {
	return &Registry{loaded: make(map[string]*x509.Certificate)}
}

// Load parses der and registers it against name. name must match one of
// the known-metadata entries.
func (r *Registry) Load(name string, der []byte) error {
	if !r.isKnownName(name) {
		return fmt.Errorf("trust: %q is not a known Apple trust-anchor name", name)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("trust: parsing %q: %w", name, err)
	}
	r.loaded[name] = cert
	return nil
}

func (r *Registry) isKnownName(name string) bool {
	for _, m := range knownMetadata {
		if m.Name == name {
			return true
		}
	}
	return false
}

// All returns every certificate this registry has had DER loaded for.
func (r *Registry) All() []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(r.loaded))
	for _, m := range knownMetadata {
		if cert, ok := r.loaded[m.Name]; ok {
			out = append(out, cert)
		}
	}
	return out
}

// AllRoots returns the loaded certificates flagged as roots.
func (r *Registry) AllRoots() []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(r.loaded))
	for _, m := range knownMetadata {
		if !m.IsRoot {
			continue
		}
		if cert, ok := r.loaded[m.Name]; ok {
			out = append(out, cert)
		}
	}
	return out
}

// TryMatch reports whether cert is byte-identical to a loaded trust
// anchor, returning its metadata if so.
func (r *Registry) TryMatch(cert *x509.Certificate) (Metadata, bool) {
	for _, m := range knownMetadata {
		loaded, ok := r.loaded[m.Name]
		if !ok {
			continue
		}
		if loaded.Equal(cert) {
			return m, true
		}
	}
	return Metadata{}, false
}
