package support

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("WARDEN_TEST_ENV", "value")
	if got := GetEnv("WARDEN_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("WARDEN_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvIntAndBool(t *testing.T) {
	t.Setenv("WARDEN_TEST_INT", " 42 ")
	t.Setenv("WARDEN_TEST_BAD_INT", "forty")
	t.Setenv("WARDEN_TEST_BOOL", "true")

	if got := GetEnvInt("WARDEN_TEST_INT", 1); got != 42 {
		t.Fatalf("GetEnvInt = %d, want 42", got)
	}
	if got := GetEnvInt("WARDEN_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("GetEnvInt with bad value = %d, want fallback 7", got)
	}
	if !GetEnvBool("WARDEN_TEST_BOOL", false) {
		t.Fatal("GetEnvBool = false, want true")
	}
}

func TestHashKeyDeterministic(t *testing.T) {
	if got1, got2 := HashKey("192.0.2.1"), HashKey("192.0.2.1"); got1 != got2 {
		t.Fatal("HashKey returned different values for the same input")
	}
	if HashKey("192.0.2.1") == HashKey("192.0.2.2") {
		t.Fatal("HashKey returned same value for different inputs")
	}
	if len(HashKey("x")) != 64 {
		t.Fatalf("HashKey length = %d, want 64 hex chars", len(HashKey("x")))
	}
}

func TestManualClockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	clock.Advance(90 * time.Second)
	if got := clock.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now() = %v, want %v", got, start.Add(90*time.Second))
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sub", "out.txt")

	if err := WriteFileAtomic(dest, strings.NewReader("first"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(dest, strings.NewReader("second"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "second" {
		t.Fatalf("content = %q, %v", data, err)
	}

	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
