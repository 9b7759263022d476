package address

import (
	"errors"
	"testing"

	"ipwarden/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		raw        string
		kind       Kind
		normalized string
	}{
		{"192.0.2.1", IPv4, "192.0.2.1"},
		{" 192.0.2.1 ", IPv4, "192.0.2.1"},
		{"2001:db8::1", IPv6, "2001:db8::1"},
		{"2001:DB8:0:0::1", IPv6, "2001:db8::1"},
		{"::ffff:192.0.2.7", IPv4, "192.0.2.7"},
		{"10.0.0.0/8", CIDR, "10.0.0.0/8"},
		{"10.0.0.0/40", CIDR, "10.0.0.0/32"},
		{"2001:db8::/200", CIDR, "2001:db8::/128"},
		{"2001:db8::/32", CIDR, "2001:db8::/32"},
		{"::ffff:10.0.0.0/104", CIDR, "10.0.0.0/8"},
		{"::ffff:0.0.0.0/96", CIDR, "0.0.0.0/0"},
		{"::ffff:192.0.2.0/200", CIDR, "192.0.2.0/32"},
		{"::ffff:0.0.0.0/80", CIDR, "::ffff:0.0.0.0/80"},
		{"as15169", ASN, "AS15169"},
		{"AS15169", ASN, "AS15169"},
		{"15169", ASN, "AS15169"},
		{"aS4294967295", ASN, "AS4294967295"},
		{"AS0", Invalid, ""},
		{"AS4294967296", Invalid, ""},
		{"ASx1", Invalid, ""},
		{"10.0.0.0/-1", Invalid, ""},
		{"10.0.0.0/", Invalid, ""},
		{"300.1.1.1", Invalid, ""},
		{"garbage<<<", Invalid, ""},
		{"", Invalid, ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := Classify(tt.raw)
			if got.Kind != tt.kind {
				t.Fatalf("Classify(%q).Kind = %v, want %v", tt.raw, got.Kind, tt.kind)
			}
			if got.Normalized != tt.normalized {
				t.Fatalf("Classify(%q).Normalized = %q, want %q", tt.raw, got.Normalized, tt.normalized)
			}
			if got.Raw != tt.raw {
				t.Fatalf("Raw = %q, want %q", got.Raw, tt.raw)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []string{
		"192.0.2.1", "2001:DB8::1", "::ffff:10.1.2.3", "10.1.2.3/33", "fe80::/129",
		"::ffff:10.0.0.0/104", "::ffff:0.0.0.0/80",
		"as64500", "64500", "AS64500", "198.51.100.0/24", "nonsense",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize(Normalize(%q)) = %q, want %q", in, twice, once)
		}
	}
}

func TestASNFormsShareKey(t *testing.T) {
	want := Normalize("AS15169")
	for _, in := range []string{"as15169", "AS15169", "15169"} {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
	if got := Classify("as15169").ASN(); got != 15169 {
		t.Fatalf("ASN() = %d, want 15169", got)
	}
}

func TestInvalidEntryErr(t *testing.T) {
	err := Classify("not-an-ip").Err()
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Input != "not-an-ip" {
		t.Fatalf("expected ValidationError for input, got %#v", err)
	}
	if Classify("192.0.2.1").Err() != nil {
		t.Fatal("valid entry should not carry an error")
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{IPv4, IPv6, CIDR, ASN} {
		if ParseKind(k.String()) != k {
			t.Fatalf("ParseKind(%q) != %v", k.String(), k)
		}
	}
	if ParseKind("bogus") != Invalid {
		t.Fatal("unknown label should map to Invalid")
	}
}
