package feedsync

import (
	"reflect"
	"testing"

	"ipwarden/internal/config"
)

func TestParseMixedInput(t *testing.T) {
	body := []byte("Deny from 1.2.3.4\n5.6.7.0/24\n# comment\ngarbage<<<\n")
	d := Parse(body)

	want := []string{"Deny from 1.2.3.4", "Deny from 5.6.7.0/24", "# comment"}
	if !reflect.DeepEqual(d.Lines, want) {
		t.Fatalf("lines = %q, want %q", d.Lines, want)
	}
	if d.Directives != 2 {
		t.Fatalf("ip_count = %d, want 2", d.Directives)
	}
	if d.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", d.Dropped)
	}
}

func TestParseLineShapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"directive", "deny from 198.51.100.7", []string{"Deny from 198.51.100.7"}},
		{"directive cidr", "Deny From 10.0.0.0/8", []string{"Deny from 10.0.0.0/8"}},
		{"bare ipv4", "203.0.113.9", []string{"Deny from 203.0.113.9"}},
		{"bare ipv6", "2001:DB8::1", []string{"Deny from 2001:db8::1"}},
		{"address with comment", "203.0.113.10 # seen 2024-03-01", []string{"Deny from 203.0.113.10 # seen 2024-03-01"}},
		{"hash comment", "## myip.ms blacklist", []string{"# myip.ms blacklist"}},
		{"slash comment", "// generated", []string{"# generated"}},
		{"embedded address", "host=203.0.113.11 reason=spam", []string{"Deny from 203.0.113.11"}},
		{"embedded ipv6", "blocked 2001:db8:0:1::5 today", []string{"Deny from 2001:db8:0:1::5"}},
		{"deny all", "deny from all", nil},
		{"asn is not a directive", "AS64500", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Parse([]byte(tt.line))
			if !reflect.DeepEqual(d.Lines, tt.want) {
				t.Fatalf("Parse(%q) = %q, want %q", tt.line, d.Lines, tt.want)
			}
		})
	}
}

func TestParseDeduplicates(t *testing.T) {
	d := Parse([]byte("1.2.3.4\nDeny from 1.2.3.4\n1.2.3.4/32\n"))
	if d.Directives != 2 {
		t.Fatalf("directives = %d, want 2 (1.2.3.4 and 1.2.3.4/32)", d.Directives)
	}
}

func TestParseAlternativeFormats(t *testing.T) {
	tests := []struct {
		format  string
		body    string
		want    []string
		dropped int
	}{
		{
			format:  config.AlternativeFormatSemicolon,
			body:    "; Spamhaus DROP List\n1.10.16.0/20 ; SBL256894\n2.56.192.0/22 ; SBL459831\nnot-an-ip ; SBL1\n",
			want:    []string{"Deny from 1.10.16.0/20", "Deny from 2.56.192.0/22"},
			dropped: 1,
		},
		{
			format:  config.AlternativeFormatPlain,
			body:    "# blocklist.de\n198.51.100.1\n2001:db8::9\nexample.com\n",
			want:    []string{"Deny from 198.51.100.1", "Deny from 2001:db8::9"},
			dropped: 1,
		},
		{
			format:  config.AlternativeFormatPattern,
			body:    "# emerging threats\n1.2.3.4,5.6.7.0/24\nnothing here\n",
			want:    []string{"Deny from 1.2.3.4", "Deny from 5.6.7.0/24"},
			dropped: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			d := ParseAlternative([]byte(tt.body), tt.format)
			if !reflect.DeepEqual(d.Lines, tt.want) {
				t.Fatalf("lines = %q, want %q", d.Lines, tt.want)
			}
			if d.Dropped != tt.dropped {
				t.Fatalf("dropped = %d, want %d", d.Dropped, tt.dropped)
			}
		})
	}
}

func TestLooksLikeFeed(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"", false},
		{"<html><body>Access denied</body></html>", false},
		{"# myip.ms list", true},
		{"deny from 1.2.3.4", true},
		{"10.0.0.1\n", true},
		{"fe80::1", true},
	}
	for _, tt := range tests {
		if got := LooksLikeFeed([]byte(tt.body)); got != tt.want {
			t.Errorf("LooksLikeFeed(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestDatasetRoundTripThroughLines(t *testing.T) {
	d := Parse([]byte("# header\n1.2.3.4 # bad\n5.6.7.0/24\n"))
	again := datasetFromLines(d.Lines)
	if !reflect.DeepEqual(again.Lines, d.Lines) || again.Directives != d.Directives {
		t.Fatalf("rebuilt = %+v, want %+v", again.Lines, d.Lines)
	}
	if got := len(again.Entries()); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}
}
