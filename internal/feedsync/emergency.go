package feedsync

import "ipwarden/internal/address"

// emergencyRanges are reserved or historically abused ranges served when no
// feed data is reachable at all.
var emergencyRanges = []string{
	"0.0.0.0/8",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
}

func emergencyDataset() *Dataset {
	d := &Dataset{}
	d.addComment("emergency fallback set, upstream feeds unavailable")
	for _, cidr := range emergencyRanges {
		d.addDirective(address.Classify(cidr), "")
	}
	return d
}
