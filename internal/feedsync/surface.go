package feedsync

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/support"
)

const (
	beginMarker = "# BEGIN ipwarden-feed"
	endMarker   = "# END ipwarden-feed"

	surfaceBackupLayout = "20060102-150405"
	keepSurfaceBackups  = 5
)

// Surface is the rule file section owned by the feed. Content outside the
// markers belongs to the operator and is preserved.
type Surface struct {
	path  string
	clock support.Clock
}

func NewSurface(path string, clock support.Clock) *Surface {
	return &Surface{path: path, clock: support.OrSystem(clock)}
}

func (s *Surface) Path() string { return s.path }

// Apply swaps the managed block for lines. The previous file is copied to a
// dated backup first.
func (s *Surface) Apply(lines []string, header string) error {
	current, err := s.read()
	if err != nil {
		return err
	}

	var block bytes.Buffer
	block.WriteString(beginMarker + "\n")
	if header != "" {
		block.WriteString("# " + header + "\n")
	}
	for _, line := range lines {
		block.WriteString(line)
		block.WriteByte('\n')
	}
	block.WriteString(endMarker + "\n")

	next := replaceBlock(current, block.Bytes())
	if bytes.Equal(next, current) {
		return nil
	}
	return s.swap(current, next)
}

// Strip removes the managed block. It reports whether there was one.
func (s *Surface) Strip() (bool, error) {
	current, err := s.read()
	if err != nil {
		return false, err
	}
	if !bytes.Contains(current, []byte(beginMarker)) {
		return false, nil
	}
	return true, s.swap(current, replaceBlock(current, nil))
}

// Directives returns the deny directives inside the managed block.
func (s *Surface) Directives() ([]string, error) {
	current, err := s.read()
	if err != nil {
		return nil, err
	}
	var out []string
	inside := false
	scanner := bufio.NewScanner(bytes.NewReader(current))
	scanner.Buffer(make([]byte, 1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == beginMarker:
			inside = true
		case line == endMarker:
			inside = false
		case inside && strings.HasPrefix(line, directivePrefix):
			out = append(out, line)
		}
	}
	return out, scanner.Err()
}

func (s *Surface) read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rule surface: %w", err)
	}
	return data, nil
}

func (s *Surface) swap(current, next []byte) error {
	if len(current) > 0 {
		backup := fmt.Sprintf("%s.%s.bak", s.path, s.clock.Now().UTC().Format(surfaceBackupLayout))
		if err := support.WriteFileAtomic(backup, bytes.NewReader(current), 0o644); err != nil {
			return fmt.Errorf("backup rule surface: %w", err)
		}
		s.pruneBackups()
	}
	if err := support.WriteFileAtomic(s.path, bytes.NewReader(next), 0o644); err != nil {
		return fmt.Errorf("write rule surface: %w", err)
	}
	return nil
}

func (s *Surface) pruneBackups() {
	matches, err := filepath.Glob(s.path + ".*.bak")
	if err != nil || len(matches) <= keepSurfaceBackups {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keepSurfaceBackups] {
		if err := os.Remove(old); err != nil {
			log.Warn("Failed to prune rule surface backup", "path", old, "error", err)
		}
	}
}

// replaceBlock returns content with the managed block replaced by block
// (or removed when block is nil). A missing block is appended.
func replaceBlock(content, block []byte) []byte {
	start := bytes.Index(content, []byte(beginMarker))
	if start < 0 {
		if block == nil {
			return content
		}
		var out bytes.Buffer
		out.Write(content)
		if len(content) > 0 && !bytes.HasSuffix(content, []byte("\n")) {
			out.WriteByte('\n')
		}
		out.Write(block)
		return out.Bytes()
	}

	end := bytes.Index(content[start:], []byte(endMarker))
	tail := len(content)
	if end >= 0 {
		tail = start + end + len(endMarker)
		if tail < len(content) && content[tail] == '\n' {
			tail++
		}
	}

	var out bytes.Buffer
	out.Write(content[:start])
	out.Write(block)
	out.Write(content[tail:])
	return out.Bytes()
}

func surfaceHeader(origin Origin, source string, directives int, at time.Time) string {
	return fmt.Sprintf("origin=%s source=%s directives=%d updated=%s", origin, source, directives, at.UTC().Format(time.RFC3339))
}
