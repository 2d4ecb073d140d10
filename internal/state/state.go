// Package state implements the published proxy state record (spec §3 "Proxy
// state record", §6, §9 "Global proxy state record"): a small JSON file
// sibling CLI wrappers read to discover a running agent, validating pid
// liveness before trusting it.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
)

// DefaultPath is the well-known location spec §6 names.
const DefaultPath = "~/.safe-chain/proxy-state.json"

// Record is the JSON schema published on listen and removed on graceful
// shutdown.
type Record struct {
	InstanceID string `json:"instance_id"`
	Port       int    `json:"port"`
	URL        string `json:"url"`
	PID        int    `json:"pid"`
	Ecosystem  string `json:"ecosystem"`
	CertPath   string `json:"certPath"`
}

// ResolvePath expands a leading "~" to the user's home directory.
func ResolvePath(path string) (string, error) {
	if path == "" {
		path = DefaultPath
	}
	if path == "~" || len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// NewRecord builds a Record for the current process.
func NewRecord(port int, ecosystem, certPath string) Record {
	return Record{
		InstanceID: uuid.NewString(),
		Port:       port,
		URL:        fmt.Sprintf("http://127.0.0.1:%d", port),
		PID:        os.Getpid(),
		Ecosystem:  ecosystem,
		CertPath:   certPath,
	}
}

// Save atomically writes the record to path (write to a temp file in the
// same directory, then rename), per spec §9's "rewritten atomically on
// start/stop" design note.
func Save(path string, rec Record) error {
	resolved, err := ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state record: %w", err)
	}

	tmp := resolved + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, resolved); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Delete removes the state record on graceful shutdown. Missing files are
// not an error.
func Delete(path string) error {
	resolved, err := ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Load reads and validates a state record. A record whose pid is not alive
// is treated as absent, per spec §3/§6/§8's invariant; Load then returns
// (Record{}, false, nil) rather than an error.
func Load(path string) (Record, bool, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return Record{}, false, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("read state file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("parse state file: %w", err)
	}

	if !IsAlive(rec.PID) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// IsAlive probes whether pid names a live process using the POSIX "does
// this process exist" signal-0 convention.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		// Process exists but we lack permission to signal it: still alive.
		return true
	}
	return false
}
