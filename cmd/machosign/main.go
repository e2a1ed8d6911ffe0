// Command machosign signs and inspects Mach-O code signatures. All of
// the actual encoding, digesting, and CMS work lives in
// github.com/corewall/machosign/pkg/codesign; this command only parses
// flags, loads key material from disk, and dispatches.
package main

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corewall/machosign/internal/machofile"
	"github.com/corewall/machosign/pkg/codesign"
	"github.com/corewall/machosign/pkg/codesign/cms"
	"github.com/corewall/machosign/pkg/codesign/trust"
	"github.com/corewall/machosign/pkg/codesign/types"
	"github.com/corewall/machosign/pkg/digest"
)

type globalConfig struct {
	verbose bool
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "machosign",
		Short:         "sign and inspect Mach-O code signatures",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := &globalConfig{}
	rootCommand.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "log each signing step to stderr")

	rootCommand.AddCommand(
		newSignCommand(g),
		newVerifyCommand(g),
		newDumpCommand(g),
	)

	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "machosign: %v\n", err)
		os.Exit(1)
	}
}

func (g *globalConfig) logger() codesign.Logger {
	if !g.verbose {
		return nil
	}
	return codesign.NewStdLogger(nil)
}

// hashAlgorithmByName maps the --hash flag's accepted values to digest
// algorithms; it intentionally rejects MD5 and any name this format does
// not assign a CodeDirectory hash type to.
func hashAlgorithmByName(name string) (digest.Algorithm, error) {
	switch name {
	case "sha1":
		return digest.SHA1, nil
	case "sha256", "":
		return digest.SHA256, nil
	case "sha256-truncated":
		return digest.SHA256Truncated, nil
	case "sha384":
		return digest.SHA384, nil
	case "sha512":
		return digest.SHA512, nil
	default:
		return 0, fmt.Errorf("unrecognized --hash %q", name)
	}
}

type signOptions struct {
	identifier       string
	teamID           string
	certPath         string
	keyPath          string
	entitlementsPath string
	infoPlistPath    string
	resourceDirPath  string
	requirementPath  string
	timestampServer  string
	hashName         string
	output           string
}

func newSignCommand(g *globalConfig) *cobra.Command {
	opts := new(signOptions)
	c := &cobra.Command{
		Use:                   "sign [options] BINARY",
		Short:                 "write an embedded code signature into a Mach-O binary",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringVar(&opts.identifier, "identifier", "", "code signing `identifier`; defaults to the binary's base name")
	c.Flags().StringVar(&opts.teamID, "team-id", "", "Apple Developer Team `ID` to record in the CodeDirectory")
	c.Flags().StringVar(&opts.certPath, "cert", "", "`path` to a PEM-encoded signer certificate chain; omit for an ad hoc signature")
	c.Flags().StringVar(&opts.keyPath, "key", "", "`path` to the PEM-encoded private key matching --cert")
	c.Flags().StringVar(&opts.entitlementsPath, "entitlements", "", "`path` to an entitlements plist (XML)")
	c.Flags().StringVar(&opts.infoPlistPath, "info-plist", "", "`path` to the bundle's Info.plist, digested into the external Info special slot")
	c.Flags().StringVar(&opts.resourceDirPath, "resource-dir", "", "`path` to the bundle's sealed CodeResources file, digested into the external ResourceDir special slot")
	c.Flags().StringVar(&opts.requirementPath, "designated-requirement", "", "`path` to a pre-compiled designated requirement expression; machosign never compiles requirement text itself")
	c.Flags().StringVar(&opts.timestampServer, "timestamp-server", "", "RFC 3161 timestamp authority `url`")
	c.Flags().StringVar(&opts.hashName, "hash", "sha256", "digest `algorithm`: sha1, sha256, sha256-truncated, sha384, sha512")
	c.Flags().StringVarP(&opts.output, "output", "o", "", "`path` to write the signed binary to; defaults to signing in place")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runSign(g, opts, args[0])
	}
	return c
}

func runSign(g *globalConfig, opts *signOptions, binaryPath string) error {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return err
	}

	hashAlg, err := hashAlgorithmByName(opts.hashName)
	if err != nil {
		return err
	}

	identifier := opts.identifier
	if identifier == "" {
		identifier = basename(binaryPath)
	}

	settingsOpts := []codesign.SigningOption{
		codesign.WithHashAlgorithm(hashAlg),
		codesign.WithLogger(g.logger()),
	}
	if opts.teamID != "" {
		settingsOpts = append(settingsOpts, codesign.WithTeamID(opts.teamID))
	}
	if opts.timestampServer != "" {
		settingsOpts = append(settingsOpts, codesign.WithTimestampServer(opts.timestampServer))
		settingsOpts = append(settingsOpts, codesign.WithTimestampClient(&cms.RFC3161Client{URL: opts.timestampServer}))
	}
	if opts.entitlementsPath != "" {
		xml, err := os.ReadFile(opts.entitlementsPath)
		if err != nil {
			return fmt.Errorf("reading entitlements: %w", err)
		}
		settingsOpts = append(settingsOpts, codesign.WithEntitlements(xml))
	}
	if opts.infoPlistPath != "" {
		info, err := os.ReadFile(opts.infoPlistPath)
		if err != nil {
			return fmt.Errorf("reading Info.plist: %w", err)
		}
		settingsOpts = append(settingsOpts, codesign.WithInfoPlist(info))
	}
	if opts.resourceDirPath != "" {
		resources, err := os.ReadFile(opts.resourceDirPath)
		if err != nil {
			return fmt.Errorf("reading CodeResources: %w", err)
		}
		settingsOpts = append(settingsOpts, codesign.WithResourceDir(resources))
	}
	if opts.requirementPath != "" {
		body, err := os.ReadFile(opts.requirementPath)
		if err != nil {
			return fmt.Errorf("reading designated requirement: %w", err)
		}
		settingsOpts = append(settingsOpts, codesign.WithRequirement(types.RequirementTypeDesignated, body))
	}
	if opts.certPath != "" {
		cert, key, extraCerts, err := loadSignerKeyPair(opts.certPath, opts.keyPath)
		if err != nil {
			return err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return fmt.Errorf("private key in %s does not implement crypto.Signer", opts.keyPath)
		}
		settingsOpts = append(settingsOpts,
			codesign.WithCertificate(cert, signer, extraCerts...),
			codesign.WithBackend(&cms.Pkcs7Backend{Timestamp: &cms.RFC3161Client{URL: opts.timestampServer}}),
		)
	}

	settings := codesign.NewSigningSettings(identifier, settingsOpts...)
	signed, err := codesign.Sign(data, settings)
	if err != nil {
		return fmt.Errorf("signing %s: %w", binaryPath, err)
	}

	outPath := opts.output
	if outPath == "" {
		outPath = binaryPath
	}
	info, err := os.Stat(binaryPath)
	mode := os.FileMode(0755)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(outPath, signed, mode); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	return nil
}

// loadSignerKeyPair reads a PEM certificate chain and private key from
// disk via tls.LoadX509KeyPair, then parses the chain into x509
// certificates: the leaf (the signer) and any intermediates that follow
// it in the same file.
func loadSignerKeyPair(certPath, keyPath string) (leaf *x509.Certificate, key crypto.PrivateKey, extraCerts []*x509.Certificate, err error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading signer key pair: %w", err)
	}
	if len(pair.Certificate) == 0 {
		return nil, nil, nil, fmt.Errorf("%s contains no certificates", certPath)
	}
	leaf, err = x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing signer certificate: %w", err)
	}
	for _, der := range pair.Certificate[1:] {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parsing intermediate certificate: %w", err)
		}
		extraCerts = append(extraCerts, c)
	}
	return leaf, pair.PrivateKey, extraCerts, nil
}

type verifyOptions struct {
	appleAnchors []string
	extraAnchors []string
}

func newVerifyCommand(g *globalConfig) *cobra.Command {
	opts := new(verifyOptions)
	c := &cobra.Command{
		Use:                   "verify [options] BINARY",
		Short:                 "check an embedded code signature against the binary's actual contents",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().StringArrayVar(&opts.appleAnchors, "apple-anchor", nil,
		"`NAME=path` pairs loading one of the known Apple trust-anchor names (see trust.Metadata) from a PEM file; repeatable")
	c.Flags().StringArrayVar(&opts.extraAnchors, "trust-anchor", nil,
		"`path` to a PEM bundle of additional trust anchors outside the known Apple set; repeatable")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVerify(g, opts, args[0])
	}
	return c
}

func runVerify(g *globalConfig, opts *verifyOptions, binaryPath string) error {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return err
	}

	registry := trust.NewRegistry()
	for _, pair := range opts.appleAnchors {
		name, path, ok := splitNameValue(pair)
		if !ok {
			return fmt.Errorf("--apple-anchor %q is not in NAME=path form", pair)
		}
		certs, err := loadPEMCertificates(path)
		if err != nil {
			return fmt.Errorf("reading apple anchor %s from %s: %w", name, path, err)
		}
		if len(certs) == 0 {
			return fmt.Errorf("%s contains no certificates", path)
		}
		if err := registry.Load(name, certs[0].Raw); err != nil {
			return err
		}
	}

	trustAnchors := registry.All()
	for _, p := range opts.extraAnchors {
		certs, err := loadPEMCertificates(p)
		if err != nil {
			return fmt.Errorf("reading trust anchors from %s: %w", p, err)
		}
		trustAnchors = append(trustAnchors, certs...)
	}

	problems, err := codesign.Verify(data, cms.Pkcs7Verifier{}, trustAnchors)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", binaryPath, err)
	}
	if problems.Empty() {
		fmt.Printf("%s: signature valid\n", binaryPath)
		return nil
	}
	for _, p := range problems.Problems {
		fmt.Printf("%s: %v\n", binaryPath, p)
	}
	return fmt.Errorf("%s: %d verification problems found", binaryPath, len(problems.Problems))
}

func splitNameValue(s string) (name, value string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func loadPEMCertificates(path string) ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func newDumpCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "dump BINARY",
		Short:                 "print the structure of a binary's embedded code signature",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runDump(args[0])
	}
	return c
}

func runDump(binaryPath string) error {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return err
	}

	f, err := machofile.Open(bytes.NewReader(data), 0, int64(len(data)))
	if err != nil {
		return err
	}
	loc, err := f.Locate()
	if err != nil {
		return err
	}
	if !loc.HasSignature {
		return fmt.Errorf("%s carries no LC_CODE_SIGNATURE", binaryPath)
	}

	es, err := codesign.ParseEmbeddedSignature(data[loc.SigStart:loc.SigEnd])
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s, %d bytes, %d blobs\n", binaryPath, es.Magic, es.Length, len(es.Blobs))
	for _, b := range es.Blobs {
		fmt.Printf("  [% 4d] slot %-20s magic %-24s offset %6d length %6d\n", b.Slot, b.Slot, b.Magic, b.Offset, b.Length)
	}

	cd, err := es.CodeDirectory()
	if err != nil {
		return err
	}
	fmt.Printf("\nCodeDirectory:\n")
	fmt.Printf("  version        %#x\n", uint32(cd.Version))
	fmt.Printf("  flags          %s\n", cd.Flags)
	fmt.Printf("  identifier     %s\n", cd.Identifier)
	if cd.TeamID != "" {
		fmt.Printf("  team id        %s\n", cd.TeamID)
	}
	fmt.Printf("  hash type      %s (%d bytes)\n", cd.HashType, cd.HashSize)
	fmt.Printf("  page size      %d\n", cd.PageSize)
	fmt.Printf("  code limit     %d\n", cd.CodeLimit)
	fmt.Printf("  code slots     %d\n", len(cd.CodeSlots))
	fmt.Printf("  exec segment   base %#x limit %#x flags %#x\n", cd.ExecSegBase, cd.ExecSegLimit, uint64(cd.ExecSegFlags))

	if sig := es.SignatureBlob(); sig != nil {
		fmt.Printf("\nsignature: %d bytes of CMS\n", len(sig))
	} else {
		fmt.Printf("\nsignature: ad hoc (no CMS blob)\n")
	}

	return nil
}

func basename(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
