package redact

import (
	"strings"
	"testing"
)

func TestStringRedaction(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		disallow []string
		require  []string
	}{
		{
			name:     "passphrase assignment",
			input:    "open store passphrase=hunter2-secret",
			disallow: []string{"hunter2-secret"},
			require:  []string{"passphrase=[REDACTED]"},
		},
		{
			name:     "env var value",
			input:    "VEIL_PASSPHRASE=topsecret exported",
			disallow: []string{"topsecret"},
			require:  []string{"[REDACTED]"},
		},
		{
			name:     "key material",
			input:    "derived key=6a3f9c0d2e4b8a1c7d5e salt=deadbeefcafe0123",
			disallow: []string{"6a3f9c0d2e4b8a1c7d5e", "deadbeefcafe0123"},
			require:  []string{"[REDACTED]"},
		},
		{
			name:     "quoted literal",
			input:    `save failed literal="Marie Dubois"`,
			disallow: []string{"Marie Dubois"},
			require:  []string{`literal="[REDACTED]"`},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := String(tc.input)
			for _, bad := range tc.disallow {
				if strings.Contains(out, bad) {
					t.Fatalf("output still contains %q: %s", bad, out)
				}
			}
			for _, want := range tc.require {
				if !strings.Contains(out, want) {
					t.Fatalf("output missing required substring %q: %s", want, out)
				}
			}
		})
	}
}

func TestLiteralFingerprint(t *testing.T) {
	if got := Literal("Marie Dubois"); strings.Contains(got, "Dubois") {
		t.Fatalf("fingerprint leaks literal: %q", got)
	}
	if got := Literal(""); got != `""` {
		t.Fatalf("empty literal fingerprint = %q", got)
	}
}
