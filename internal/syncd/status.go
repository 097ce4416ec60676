package syncd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lst-sh/lst/internal/config"
)

// StaleAfter is how old a status report may be before the daemon is
// presumed dead or wedged.
const StaleAfter = 120 * time.Second

// statusFileName lives next to sync.db in the data directory.
const statusFileName = "syncd-status.json"

// Status is the daemon's last reported condition, written after every sync
// run and read by `lst-syncd status`.
type Status struct {
	DeviceID   string    `json:"device_id"`
	Connected  bool      `json:"connected"` // a relay session was established on the last run
	LastSyncAt time.Time `json:"last_sync_at"`
	LastError  string    `json:"last_error,omitempty"`
	Pending    int       `json:"pending"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Healthy reports whether the last run succeeded and the report is fresh.
func (s Status) Healthy() bool {
	return s.LastError == "" && !s.Stale()
}

// Stale reports whether the daemon has gone quiet.
func (s Status) Stale() bool {
	return time.Since(s.UpdatedAt) > StaleAfter
}

// StatusPath returns the status file location for the given sync database.
func StatusPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Sync.DatabasePath), statusFileName)
}

// StatusReporter persists Status after each sync run.
type StatusReporter struct {
	path     string
	deviceID string
}

func NewStatusReporter(cfg *config.Config) *StatusReporter {
	return &StatusReporter{path: StatusPath(cfg), deviceID: cfg.Sync.DeviceID}
}

// Report writes the outcome of a sync run. Write failures are swallowed:
// status is advisory and must never break the sync loop.
func (r *StatusReporter) Report(runErr error, connected bool, pending int) {
	now := time.Now().UTC()
	status := Status{
		DeviceID:  r.deviceID,
		Connected: connected,
		Pending:   pending,
		UpdatedAt: now,
	}
	if prev, err := ReadStatus(r.path); err == nil {
		status.LastSyncAt = prev.LastSyncAt
	}
	if runErr != nil {
		status.LastError = runErr.Error()
	} else {
		status.LastSyncAt = now
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, r.path)
}

// ReadStatus loads a status file.
func ReadStatus(path string) (Status, error) {
	var status Status
	data, err := os.ReadFile(path)
	if err != nil {
		return status, fmt.Errorf("no status report at %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("status report at %s is unreadable: %w", path, err)
	}
	return status, nil
}
