package feedsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ipwarden/internal/support"
)

const (
	snapshotFile = "snapshot.json"
	backupFile   = "backup.json"

	backupRollInterval = 24 * time.Hour
	minBackupBytes     = 64
)

// Snapshot is the on-disk form of an accepted dataset.
type Snapshot struct {
	Lines      []string  `json:"lines"`
	FetchedAt  time.Time `json:"fetched_at"`
	SavedAt    time.Time `json:"saved_at"`
	Source     string    `json:"source"`
	Directives int       `json:"directives"`
	Degraded   bool      `json:"degraded"`
}

func (s Snapshot) dataset() *Dataset {
	return datasetFromLines(s.Lines)
}

// SnapshotStore keeps the active snapshot and the daily backup in dir.
type SnapshotStore struct {
	dir   string
	clock support.Clock
}

func NewSnapshotStore(dir string, clock support.Clock) *SnapshotStore {
	return &SnapshotStore{dir: dir, clock: support.OrSystem(clock)}
}

func (s *SnapshotStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *SnapshotStore) load(name string) (Snapshot, int64, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return Snapshot{}, 0, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, 0, fmt.Errorf("decode %s: %w", name, err)
	}
	return snap, int64(len(data)), nil
}

// Fresh returns the active snapshot when it is younger than maxAge and
// carries at least one directive.
func (s *SnapshotStore) Fresh(maxAge time.Duration) (Snapshot, error) {
	snap, _, err := s.load(snapshotFile)
	if err != nil {
		return Snapshot{}, err
	}
	if snap.Directives == 0 {
		return Snapshot{}, errors.New("snapshot is empty")
	}
	if age := s.clock.Now().Sub(snap.FetchedAt); age >= maxAge {
		return Snapshot{}, fmt.Errorf("snapshot is %s old", age.Round(time.Minute))
	}
	return snap, nil
}

// Backup returns the backup snapshot regardless of age.
func (s *SnapshotStore) Backup() (Snapshot, error) {
	snap, size, err := s.load(backupFile)
	if err != nil {
		return Snapshot{}, err
	}
	if size < minBackupBytes || snap.Directives == 0 {
		return Snapshot{}, errors.New("backup is empty")
	}
	return snap, nil
}

// Save replaces the active snapshot and rolls the backup forward when the
// previous one is older than a day. It reports whether the backup rolled.
func (s *SnapshotStore) Save(snap Snapshot) (bool, error) {
	now := s.clock.Now()
	snap.SavedAt = now
	if err := s.write(snapshotFile, snap); err != nil {
		return false, err
	}

	if prev, _, err := s.load(backupFile); err == nil && now.Sub(prev.SavedAt) < backupRollInterval {
		return false, nil
	}
	if err := s.write(backupFile, snap); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SnapshotStore) write(name string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := support.WriteFileAtomic(s.path(name), bytes.NewReader(data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
