package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Step names the reconciler state a run reached.
type Step string

const (
	StepInit               Step = "INIT"
	StepStart              Step = "START"
	StepValidate           Step = "VALIDATE"
	StepEraseTombstoned    Step = "ERASE_TOMBSTONED"
	StepSyncEvents         Step = "SYNC_EVENTS"
	StepInitAccount        Step = "INIT_ACCOUNT"
	StepAttachNewCalendars Step = "ATTACH_NEW_CALENDARS"
	StepEnd                Step = "END"
)

// Counts tallies writes made during one phase.
type Counts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

// Writes is the number of external writes counted.
func (c Counts) Writes() int {
	return c.Created + c.Updated + c.Deleted
}

// Result is the outcome of one reconciliation, pushed to the backend.
type Result struct {
	RunID      string             `json:"runId"`
	UserID     string             `json:"userId"`
	Step       Step               `json:"step"`
	Fail       bool               `json:"fail"`
	ErrorCode  string             `json:"errorCode,omitempty"`
	FinishWork string             `json:"finishWork,omitempty"`
	Counts     map[string]*Counts `json:"counts"`
	Summary    string             `json:"humanReadableSummary"`
	StartedAt  time.Time          `json:"startedAt"`
	FinishedAt time.Time          `json:"finishedAt"`
}

// Phase returns the counters of a phase, creating them on first use.
func (r *Result) Phase(name string) *Counts {
	if r.Counts == nil {
		r.Counts = make(map[string]*Counts)
	}
	c, ok := r.Counts[name]
	if !ok {
		c = &Counts{}
		r.Counts[name] = c
	}
	return c
}

// Writes sums external writes across phases.
func (r *Result) Writes() int {
	total := 0
	for _, c := range r.Counts {
		total += c.Writes()
	}
	return total
}

// Summarize fills Summary from the step, failure and counters.
func (r *Result) Summarize() {
	names := make([]string, 0, len(r.Counts))
	for name := range r.Counts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		c := r.Counts[name]
		if c.Writes() == 0 && c.Skipped == 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: +%d ~%d -%d (skipped %d)", name, c.Created, c.Updated, c.Deleted, c.Skipped))
	}
	status := "completed"
	if r.Fail {
		status = fmt.Sprintf("failed at %s with %s", r.Step, r.ErrorCode)
	}
	if len(parts) == 0 {
		parts = append(parts, "no changes")
	}
	r.Summary = fmt.Sprintf("Sync %s in %s; %s", status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), strings.Join(parts, "; "))
}
