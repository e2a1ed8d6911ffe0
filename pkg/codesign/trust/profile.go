package trust

import (
	"crypto/x509"
	"encoding/asn1"
)

// Profile names the role a code-signing certificate plays. Apple issues
// several shapes of signing certificate distinguished only by their
// extended-key-usage and custom-extension OIDs; Profile collapses that
// OID soup into the handful of cases callers actually care about.
type Profile int

const (
	ProfileUnknown Profile = iota
	ProfileMacInstallerDistribution
	ProfileAppleDistribution
	ProfileAppleDevelopment
	ProfileDeveloperIDApplication
	ProfileDeveloperIDInstaller
)

func (p Profile) String() string {
	switch p {
	case ProfileMacInstallerDistribution:
		return "mac-installer-distribution"
	case ProfileAppleDistribution:
		return "apple-distribution"
	case ProfileAppleDevelopment:
		return "apple-development"
	case ProfileDeveloperIDApplication:
		return "developer-id-application"
	case ProfileDeveloperIDInstaller:
		return "developer-id-installer"
	default:
		return "unknown"
	}
}

// Apple's code-signing extended-key-usage and certificate-extension
// OIDs, named after their role rather than their numeric form.
var (
	oidEKUDeveloperIDInstaller          = mustOID(1, 2, 840, 113635, 100, 4, 13)
	oidEKUThirdPartyMacDeveloperInstall = mustOID(1, 2, 840, 113635, 100, 4, 9)

	oidExtDeveloperIDApplication        = mustOID(1, 2, 840, 113635, 100, 6, 1, 13)
	oidExtIPhoneDeveloper               = mustOID(1, 2, 840, 113635, 100, 6, 1, 2)
	oidExtMacDeveloper                  = mustOID(1, 2, 840, 113635, 100, 6, 1, 12)
	oidExtAppleMacAppSigningDevelopment = mustOID(1, 2, 840, 113635, 100, 6, 1, 7)
	oidExtAppleDeveloperCertSubmission  = mustOID(1, 2, 840, 113635, 100, 6, 1, 4)
)

func mustOID(arcs ...int) asn1.ObjectIdentifier { return asn1.ObjectIdentifier(arcs) }

// GuessProfile infers cert's Profile from its extended-key-usage and
// extension OIDs, the same order of precedence the Apple tooling this
// core is modeled on uses: an EKU that maps 1:1 to a profile is checked
// first, then increasingly specific pairs of code-signing extensions.
// Returns ProfileUnknown if nothing matches.
func GuessProfile(cert *x509.Certificate) Profile {
	switch {
	case containsOID(cert.UnknownExtKeyUsage, oidEKUDeveloperIDInstaller):
		return ProfileDeveloperIDInstaller
	case containsOID(cert.UnknownExtKeyUsage, oidEKUThirdPartyMacDeveloperInstall):
		return ProfileMacInstallerDistribution
	}

	has := func(oid asn1.ObjectIdentifier) bool { return hasExtension(cert, oid) }
	switch {
	case has(oidExtDeveloperIDApplication):
		return ProfileDeveloperIDApplication
	case has(oidExtIPhoneDeveloper) && has(oidExtMacDeveloper):
		return ProfileAppleDevelopment
	case has(oidExtAppleMacAppSigningDevelopment) && has(oidExtAppleDeveloperCertSubmission):
		return ProfileAppleDistribution
	}

	return ProfileUnknown
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

func containsOID(oids []asn1.ObjectIdentifier, want asn1.ObjectIdentifier) bool {
	for _, oid := range oids {
		if oid.Equal(want) {
			return true
		}
	}
	return false
}
