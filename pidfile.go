package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	markerFilePerms = 0o644
	markerDirPerms  = 0o755
)

// errNoDaemon is returned when no live sync --watch serves this device.
var errNoDaemon = errors.New("no running sync --watch")

// watchMarker is what sync --watch records in its PID file. wake and status
// only act on a marker whose database is the one they are configured for.
type watchMarker struct {
	PID       int       `toml:"pid"`
	DBPath    string    `toml:"db_path"`
	StartedAt time.Time `toml:"started_at"`
}

// claimWatchMarker takes an exclusive flock on path and writes m into it.
// The lock is held until release, which also removes the file.
func claimWatchMarker(path string, m watchMarker) (release func(), err error) {
	if path == "" {
		return nil, errors.New("PID file path is empty, cannot determine state directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), markerDirPerms); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, markerFilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		return nil, fmt.Errorf("another sync --watch is already running (could not lock %s)", path)
	}

	if m.DBPath, err = filepath.Abs(m.DBPath); err != nil {
		f.Close()

		return nil, fmt.Errorf("resolving database path: %w", err)
	}

	err = f.Truncate(0)
	if err == nil {
		err = toml.NewEncoder(f).Encode(m)
	}

	if err == nil {
		err = f.Sync()
	}

	if err != nil {
		f.Close()

		return nil, fmt.Errorf("writing PID file %s: %w", path, err)
	}

	return func() {
		os.Remove(path)
		f.Close()
	}, nil
}

// loadWatchMarker reads a marker written by claimWatchMarker.
func loadWatchMarker(path string) (watchMarker, error) {
	var m watchMarker

	if _, err := toml.DecodeFile(path, &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, fmt.Errorf("%w (no PID file at %s)", errNoDaemon, path)
		}

		return m, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	if m.PID <= 0 {
		return m, fmt.Errorf("invalid PID %d in %s", m.PID, path)
	}

	return m, nil
}

// findDaemon returns the marker of the live sync --watch that syncs dbPath.
// A marker left behind by an exited process is removed; a marker for another
// database is left alone.
func findDaemon(path, dbPath string) (watchMarker, error) {
	m, err := loadWatchMarker(path)
	if err != nil {
		return m, err
	}

	want, err := filepath.Abs(dbPath)
	if err != nil {
		return m, fmt.Errorf("resolving database path: %w", err)
	}

	if filepath.Clean(m.DBPath) != want {
		return m, fmt.Errorf("%w for %s: PID %d in %s syncs %s", errNoDaemon, want, m.PID, path, m.DBPath)
	}

	if !processAlive(m.PID) {
		os.Remove(path)

		return m, fmt.Errorf("%w: sync --watch (PID %d) is not running (stale PID file removed)", errNoDaemon, m.PID)
	}

	return m, nil
}

// wakeDaemon sends SIGHUP to the sync --watch that syncs dbPath, which
// starts a cycle at once.
func wakeDaemon(path, dbPath string) (watchMarker, error) {
	m, err := findDaemon(path, dbPath)
	if err != nil {
		return m, err
	}

	proc, err := os.FindProcess(m.PID)
	if err != nil {
		return m, fmt.Errorf("finding process %d: %w", m.PID, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return m, fmt.Errorf("sending SIGHUP to sync --watch (PID %d): %w", m.PID, err)
	}

	return m, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}
