// session_profiles.go — Temp browser profile lifecycle for "session"
// persistence. Each session owns one profile directory under the
// session root; directories idle for longer than the TTL are reclaimed
// on the next launch rather than by a background sweeper, so a crashed
// process leaves nothing running.
package state

import (
	"os"
	"path/filepath"
	"time"
)

// SessionProfileTTL is how long a session profile may sit idle before
// the next launch reclaims it.
const SessionProfileTTL = 30 * time.Minute

// SessionProfileDir returns (creating if needed) the profile directory
// for the given session id, touching it so the TTL restarts.
func SessionProfileDir(sessionID string) (string, error) {
	root, err := SessionProfilesRoot()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	now := time.Now()
	// Chtimes failure is not fatal: worst case the profile is reclaimed
	// a launch early.
	_ = os.Chtimes(dir, now, now)
	return dir, nil
}

// ReclaimStaleProfiles deletes session profile directories whose mtime
// is older than SessionProfileTTL. Called at session launch.
func ReclaimStaleProfiles(now time.Time) error {
	root, err := SessionProfilesRoot()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= SessionProfileTTL {
			_ = os.RemoveAll(filepath.Join(root, e.Name()))
		}
	}
	return nil
}
