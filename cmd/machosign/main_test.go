package main

import (
	"testing"

	"github.com/corewall/machosign/pkg/digest"
)

func TestHashAlgorithmByName(t *testing.T) {
	tests := []struct {
		name string
		want digest.Algorithm
	}{
		{"", digest.SHA256},
		{"sha1", digest.SHA1},
		{"sha256", digest.SHA256},
		{"sha256-truncated", digest.SHA256Truncated},
		{"sha384", digest.SHA384},
		{"sha512", digest.SHA512},
	}
	for _, test := range tests {
		got, err := hashAlgorithmByName(test.name)
		if err != nil {
			t.Errorf("hashAlgorithmByName(%q): %v", test.name, err)
			continue
		}
		if got != test.want {
			t.Errorf("hashAlgorithmByName(%q) = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestHashAlgorithmByNameRejectsUnknown(t *testing.T) {
	if _, err := hashAlgorithmByName("md5"); err == nil {
		t.Fatal("expected an error for an unrecognized --hash value")
	}
}

func TestSplitNameValue(t *testing.T) {
	name, value, ok := splitNameValue("Apple Root CA=anchors/root.pem")
	if !ok {
		t.Fatal("splitNameValue: ok = false, want true")
	}
	if name != "Apple Root CA" || value != "anchors/root.pem" {
		t.Errorf("splitNameValue = (%q, %q), want (%q, %q)", name, value, "Apple Root CA", "anchors/root.pem")
	}

	if _, _, ok := splitNameValue("no-equals-sign"); ok {
		t.Error("splitNameValue: ok = true for a string with no '='")
	}
}

func TestBasename(t *testing.T) {
	tests := map[string]string{
		"/usr/bin/ls": "ls",
		"app":         "app",
		"./build/app": "app",
		"/":           "",
	}
	for in, want := range tests {
		if got := basename(in); got != want {
			t.Errorf("basename(%q) = %q, want %q", in, got, want)
		}
	}
}
