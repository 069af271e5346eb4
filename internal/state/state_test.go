// state_test.go
package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTaskpacksDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(TaskpacksDirEnv, dir)

	got, err := TaskpacksDir()
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("TaskpacksDir() = %q; want %q", got, dir)
	}
}

func TestTaskpacksDirXDGFallback(t *testing.T) {
	t.Setenv(TaskpacksDirEnv, "")
	xdg := t.TempDir()
	t.Setenv("XDG_STATE_HOME", xdg)

	got, err := TaskpacksDir()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(xdg, "showrun", "taskpacks")
	if got != want {
		t.Errorf("TaskpacksDir() = %q; want %q", got, want)
	}
}

func TestSessionProfileDirCreatesAndTouches(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	dir, err := SessionProfileDir("sess-abc")
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatalf("%s is not a directory", dir)
	}
	if time.Since(info.ModTime()) > time.Minute {
		t.Errorf("profile dir was not touched: mtime %v", info.ModTime())
	}
}

func TestReclaimStaleProfiles(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	stale, err := SessionProfileDir("stale")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := SessionProfileDir("fresh")
	if err != nil {
		t.Fatal(err)
	}

	old := time.Now().Add(-SessionProfileTTL - time.Minute)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	if err := ReclaimStaleProfiles(time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale profile survived reclamation")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh profile was reclaimed: %v", err)
	}
}

func TestReclaimMissingRootIsNoop(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	if err := ReclaimStaleProfiles(time.Now()); err != nil {
		t.Fatalf("reclaim on missing root: %v", err)
	}
}
