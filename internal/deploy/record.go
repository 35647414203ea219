package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Status is a deployment pipeline state
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusCheckedOut       Status = "CHECKED_OUT"
	StatusReconciled       Status = "RECONCILED"
	StatusCertDone         Status = "CERT_DONE"
	StatusValidated        Status = "VALIDATED"
	StatusReloaded         Status = "RELOADED"
	StatusValidationFailed Status = "VALIDATION_FAILED"
	StatusAborted          Status = "ABORTED"
)

// Success reports whether the status is the successful terminal state
func (s Status) Success() bool {
	return s == StatusReloaded
}

// Failed reports whether the status is a failure terminal state
func (s Status) Failed() bool {
	return s == StatusValidationFailed || s == StatusAborted
}

// PlanSummary counts the activation operations of a run
type PlanSummary struct {
	Add    int `json:"add"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

// Total returns the number of operations
func (p PlanSummary) Total() int {
	return p.Add + p.Update + p.Delete
}

// Record is the persisted outcome of the most recent deployment run.
// It is written on every run, including failed ones, so status reporting
// and the webhook endpoint always describe the latest attempt.
type Record struct {
	Project        string      `json:"project"`
	Revision       string      `json:"revision"`
	Status         Status      `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	FinishedAt     time.Time   `json:"finished_at"`
	DryRun         bool        `json:"dry_run,omitempty"`
	Plan           PlanSummary `json:"plan"`
	SkippedSources []string    `json:"skipped_sources,omitempty"`
	CertAction     bool        `json:"cert_action_ran"`
	Error          string      `json:"error,omitempty"`
}

// Duration returns the run's wall clock time
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// SaveRecord persists a deployment record to path
func SaveRecord(path string, record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadRecord reads the deployment record at path. Callers distinguish a
// missing record (no deployment has run yet) with os.IsNotExist.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse deployment record: %w", err)
	}
	return &record, nil
}
