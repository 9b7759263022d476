package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
)

func TestReadPort(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"12345", 12345},
		{"not-a-number", 0},
		{"0", 0},
		{"-1", 0},
		{"70000", 0},
	}
	for _, tt := range tests {
		t.Setenv("WARDEN_TEST_PORT", tt.value)
		if got := readPort("WARDEN_TEST_PORT"); got != tt.want {
			t.Fatalf("readPort(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestResolvePort(t *testing.T) {
	t.Run("primary env overrides fallback", func(t *testing.T) {
		t.Setenv("PRIMARY_PORT", "5050")
		if got := resolvePort("PRIMARY_PORT", "SECONDARY_PORT", 8080); got != 5050 {
			t.Fatalf("resolvePort returned %d, want 5050", got)
		}
	})

	t.Run("secondary env used when primary missing", func(t *testing.T) {
		t.Setenv("SECONDARY_PORT", "6060")
		if got := resolvePort("PRIMARY_MISSING", "SECONDARY_PORT", 8080); got != 6060 {
			t.Fatalf("resolvePort returned %d, want 6060", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolvePort("UNSET_PRIMARY", "UNSET_SECONDARY", 9090); got != 9090 {
			t.Fatalf("resolvePort returned %d, want 9090", got)
		}
	})
}

func TestConfigureLoggingWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.log")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FILE", path)

	closeLog := configureLogging()
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
	})

	log.Debug("file sink check", "key", "value")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("log file is empty")
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level = %v, want debug", log.GetLevel())
	}
}
