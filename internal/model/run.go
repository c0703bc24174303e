package model

import "time"

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunEntry is a row in the ingestion run log.
type RunEntry struct {
	ID          string         `json:"id" yaml:"id"`
	Command     string         `json:"command" yaml:"command"`
	Status      RunStatus      `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Stats       map[string]any `json:"stats,omitempty" yaml:"stats,omitempty"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}
