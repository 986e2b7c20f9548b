package sync

import (
	"fmt"
	"time"
)

// Stage names, in pipeline order.
const (
	StageMembers        = "members"
	StageBoards         = "boards"
	StageTimeEntries    = "timeEntries"
	StageDiscoverExtras = "discoverExtras"
	StageProjects       = "projects"
	StageServiceTickets = "serviceTickets"
	StageProjectTickets = "projectTickets"
	StageWriteLedger    = "writeLedger"
)

// StageReport describes one executed stage.
type StageReport struct {
	Stage    string        `yaml:"stage"`
	Entity   string        `yaml:"entity,omitempty"`
	Fetched  int           `yaml:"fetched"`
	Upserted int           `yaml:"upserted"`
	Skipped  int           `yaml:"skipped"`
	Duration time.Duration `yaml:"duration"`
	// Partial is set when some pages or chunks could not be fetched and the
	// stage stored only what it received.
	Partial bool   `yaml:"partial,omitempty"`
	Error   string `yaml:"error,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	RunID      string        `yaml:"run_id"`
	Mode       Mode          `yaml:"mode"`
	Since      time.Time     `yaml:"since,omitempty"`
	StartedAt  time.Time     `yaml:"started_at"`
	FinishedAt time.Time     `yaml:"finished_at"`
	FellBack   bool          `yaml:"fell_back,omitempty"`
	Stages     []StageReport `yaml:"stages"`
	Warnings   []string      `yaml:"warnings,omitempty"`
}

// Failed reports whether any stage aborted the run.
func (r *Report) Failed() bool {
	for _, s := range r.Stages {
		if s.Error != "" {
			return true
		}
	}
	return false
}

// Partial reports whether any stage finished with missing data.
func (r *Report) Partial() bool {
	for _, s := range r.Stages {
		if s.Partial {
			return true
		}
	}
	return false
}

// Stage returns the report of the named stage, or nil if it did not run.
func (r *Report) Stage(name string) *StageReport {
	for i := range r.Stages {
		if r.Stages[i].Stage == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Summary is a one-line description of the run.
func (r *Report) Summary() string {
	var upserted, skipped int
	for _, s := range r.Stages {
		upserted += s.Upserted
		skipped += s.Skipped
	}
	return fmt.Sprintf("%s sync %s: %d stages, %d upserted, %d skipped, %d warnings in %s",
		r.Mode, r.RunID, len(r.Stages), upserted, skipped, len(r.Warnings),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}
