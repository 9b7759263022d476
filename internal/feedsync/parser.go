package feedsync

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"

	"ipwarden/internal/address"
	"ipwarden/internal/config"
)

const directivePrefix = "Deny from "

var (
	ipv4Pattern   = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)
	ipv6Pattern   = regexp.MustCompile(`(?i)[0-9a-f]{0,4}(?::[0-9a-f]{0,4}){2,7}(?:/\d{1,3})?`)
	denyPattern   = regexp.MustCompile(`(?i)^deny\s+from\s+(\S+)`)
	feedMarkerRe  = regexp.MustCompile(`(?i)deny\s+from|myip\.ms`)
	ipv6LikeToken = regexp.MustCompile(`(?i)^[0-9a-f:]+(?:/\d{1,3})?$`)
)

// Dataset is a normalized feed body: canonical deny directives and
// passthrough comments in source order.
type Dataset struct {
	Lines      []string `json:"lines"`
	Directives int      `json:"directives"`
	Comments   int      `json:"comments"`
	Dropped    int      `json:"-"`

	seen map[string]struct{}
}

// Valid reports whether the dataset carries at least one directive.
func (d *Dataset) Valid() bool { return d != nil && d.Directives > 0 }

func (d *Dataset) addDirective(entry address.Entry, comment string) {
	if d.seen == nil {
		d.seen = make(map[string]struct{})
	}
	if _, ok := d.seen[entry.Normalized]; ok {
		return
	}
	d.seen[entry.Normalized] = struct{}{}
	line := directivePrefix + entry.Normalized
	if comment != "" {
		line += " # " + comment
	}
	d.Lines = append(d.Lines, line)
	d.Directives++
}

func (d *Dataset) addComment(text string) {
	d.Lines = append(d.Lines, "# "+text)
	d.Comments++
}

// Merge appends the directives of other that d does not carry yet.
func (d *Dataset) Merge(other *Dataset) {
	if other == nil {
		return
	}
	for _, line := range other.Lines {
		target, comment, ok := splitDirective(line)
		if !ok {
			d.Lines = append(d.Lines, line)
			d.Comments++
			continue
		}
		d.addDirective(address.Classify(target), comment)
	}
	d.Dropped += other.Dropped
}

// Entries returns the address entries behind the directives.
func (d *Dataset) Entries() []address.Entry {
	out := make([]address.Entry, 0, d.Directives)
	for _, line := range d.Lines {
		target, _, ok := splitDirective(line)
		if !ok {
			continue
		}
		if entry := address.Classify(target); entry.Valid() {
			out = append(out, entry)
		}
	}
	return out
}

// datasetFromLines rebuilds a dataset from stored canonical lines.
func datasetFromLines(lines []string) *Dataset {
	d := &Dataset{}
	d.Merge(&Dataset{Lines: lines})
	return d
}

func splitDirective(line string) (target, comment string, ok bool) {
	if !strings.HasPrefix(line, directivePrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, directivePrefix)
	if idx := strings.Index(rest, "#"); idx >= 0 {
		comment = strings.TrimSpace(rest[idx+1:])
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest), comment, true
}

// LooksLikeFeed is the cheap shape check applied to fetched bodies before parsing.
func LooksLikeFeed(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return false
	}
	if feedMarkerRe.Match(body) {
		return true
	}
	return ipv4Pattern.Match(body) || ipv6Pattern.Match(body)
}

// Parse reads the primary feed format line by line.
func Parse(body []byte) *Dataset {
	d := &Dataset{}
	scan(body, func(line string) {
		parseLine(d, line)
	})
	return d
}

func parseLine(d *Dataset, line string) {
	switch {
	case strings.HasPrefix(line, "##"):
		d.addComment(strings.TrimSpace(strings.TrimLeft(line, "#")))
		return
	case strings.HasPrefix(line, "#"):
		d.addComment(strings.TrimSpace(strings.TrimPrefix(line, "#")))
		return
	case strings.HasPrefix(line, "//"):
		d.addComment(strings.TrimSpace(strings.TrimPrefix(line, "//")))
		return
	}

	body, comment := line, ""
	if idx := strings.Index(line, "#"); idx > 0 {
		body = strings.TrimSpace(line[:idx])
		comment = strings.TrimSpace(line[idx+1:])
	}

	if m := denyPattern.FindStringSubmatch(body); m != nil {
		if entry := addressEntry(m[1]); entry.Valid() {
			d.addDirective(entry, comment)
			return
		}
	}

	if entry := addressEntry(body); entry.Valid() {
		d.addDirective(entry, comment)
		return
	}

	if ipv6LikeToken.MatchString(body) {
		if entry := addressEntry(body); entry.Valid() {
			d.addDirective(entry, comment)
			return
		}
	}

	if entry, ok := embeddedAddress(line); ok {
		d.addDirective(entry, "")
		return
	}

	d.Dropped++
}

// ParseAlternative reads a third-party list in one of the configured formats.
func ParseAlternative(body []byte, format string) *Dataset {
	d := &Dataset{}
	scan(body, func(line string) {
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "//") {
			return
		}
		switch format {
		case config.AlternativeFormatSemicolon:
			if idx := strings.IndexByte(line, ';'); idx >= 0 {
				line = line[:idx]
			}
			addOrDrop(d, strings.TrimSpace(line))
		case config.AlternativeFormatPlain:
			fields := strings.Fields(line)
			if len(fields) == 0 {
				return
			}
			addOrDrop(d, fields[0])
		default:
			added := false
			for _, m := range ipv4Pattern.FindAllString(line, -1) {
				if entry := addressEntry(m); entry.Valid() {
					d.addDirective(entry, "")
					added = true
				}
			}
			for _, m := range ipv6Pattern.FindAllString(line, -1) {
				if entry := addressEntry(m); entry.Valid() && !entry.Addr().IsUnspecified() {
					d.addDirective(entry, "")
					added = true
				}
			}
			if !added {
				d.Dropped++
			}
		}
	})
	return d
}

func addOrDrop(d *Dataset, token string) {
	if entry := addressEntry(token); entry.Valid() {
		d.addDirective(entry, "")
		return
	}
	d.Dropped++
}

// addressEntry accepts IPs and CIDRs only; ASNs are not deny directives.
func addressEntry(token string) address.Entry {
	entry := address.Classify(strings.TrimSpace(token))
	if entry.Kind == address.ASN {
		return address.Entry{Raw: token}
	}
	return entry
}

func embeddedAddress(line string) (address.Entry, bool) {
	for _, m := range ipv4Pattern.FindAllString(line, -1) {
		if entry := addressEntry(m); entry.Valid() {
			return entry, true
		}
	}
	for _, m := range ipv6Pattern.FindAllString(line, -1) {
		if !strings.Contains(m, "::") && strings.Count(m, ":") < 7 {
			continue
		}
		if entry := addressEntry(m); entry.Valid() && !entry.Addr().IsUnspecified() {
			return entry, true
		}
	}
	return address.Entry{}, false
}

func scan(body []byte, fn func(line string)) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("Feed scanner warning", "error", err)
	}
}
