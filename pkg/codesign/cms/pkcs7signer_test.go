package cms

import (
	"testing"

	"github.com/corewall/machosign/pkg/digest"
)

func TestHashAlgorithmForKnownAlgorithms(t *testing.T) {
	cases := map[digest.Algorithm]bool{
		digest.SHA1:            true,
		digest.SHA256:          true,
		digest.SHA256Truncated: true,
		digest.SHA384:          true,
		digest.SHA512:          true,
	}
	for alg := range cases {
		if _, err := hashAlgorithmFor(alg); err != nil {
			t.Errorf("hashAlgorithmFor(%s): %v", alg, err)
		}
	}
}

func TestHashAlgorithmForRejectsUnsupported(t *testing.T) {
	if _, err := hashAlgorithmFor(digest.MD5); err == nil {
		t.Fatal("expected error for an algorithm with no CMS equivalent")
	}
}

func TestSignCMSRequiresSigner(t *testing.T) {
	b := &Pkcs7Backend{}
	if _, err := b.SignCMS([]byte("digest"), nil, nil, nil, digest.SHA256, ""); err != ErrNoSigner {
		t.Fatalf("SignCMS error = %v, want ErrNoSigner", err)
	}
}
