// Package run models a patch pipeline run and its per-application
// progress records.
package run

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a state change would move
// backward through the pipeline or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid state transition")

// App tracks the progress of a single application within a Run.
//
// The State of an App is set to the next stage's state as soon as the
// current stage finishes successfully. A downloaded App is in
// Processing, a processed App is in Uploading, and so on.
type App struct {
	Name          string    `json:"app_name"`
	State         State     `json:"state"`
	DownloadPath  string    `json:"download_path,omitempty"`
	ProcessedPath string    `json:"processed_path,omitempty"`
	PackageID     string    `json:"package_id,omitempty"`
	PatchTitleID  string    `json:"patch_title_id,omitempty"`
	Version       string    `json:"version,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartTime     time.Time `json:"start_time,omitzero"`
	EndTime       time.Time `json:"end_time,omitzero"`

	// Retries is reserved. No transition increments it.
	Retries int `json:"retries"`
}

// Advance moves a to state s.
// Only forward pipeline moves from a non-terminal state are allowed.
// The end time is stamped when s is Completed or Failed.
func (a *App) Advance(s State, now time.Time) error {
	if !canAdvance(a.State, s) {
		return fmt.Errorf("%w: app %s: %s to %s", ErrInvalidTransition, a.Name, a.State, s)
	}
	a.State = s
	if s == Completed || s == Failed {
		a.EndTime = now
	}
	return nil
}

// Fail marks a as Failed with message and stamps its end time.
// An already terminal App is left untouched and an error returned.
func (a *App) Fail(message string, now time.Time) error {
	if err := a.Advance(Failed, now); err != nil {
		return err
	}
	a.ErrorMessage = message
	return nil
}

// Run is a single end-to-end pipeline execution over a set of
// applications.
type Run struct {
	ID            string    `json:"run_id"`
	State         State     `json:"state"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitzero"`
	DryRun        bool      `json:"dry_run"`
	Apps          []*App    `json:"applications"`
	TotalApps     int       `json:"total_apps"`
	CompletedApps int       `json:"completed_apps"`
	FailedApps    int       `json:"failed_apps"`

	// Metrics are attached at completion for reporting only.
	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// New creates a new NotStarted Run with an App for each unique name.
// Names keep their request order. Duplicate names after the first
// occurrence are dropped.
func New(id string, names []string, dryRun bool, now time.Time) *Run {
	r := &Run{
		ID:        id,
		State:     NotStarted,
		StartTime: now,
		DryRun:    dryRun,
		Metrics:   make(map[string]interface{}),
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		r.Apps = append(r.Apps, &App{Name: name, State: NotStarted})
	}
	r.TotalApps = len(r.Apps)
	return r
}

// App returns the App named name or nil if none exists.
func (r *Run) App(name string) *App {
	for _, a := range r.Apps {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// InState returns the Apps currently in state s, in request order.
func (r *Run) InState(s State) []*App {
	var apps []*App
	for _, a := range r.Apps {
		if a.State == s {
			apps = append(apps, a)
		}
	}
	return apps
}

// Advance moves the Run to state s.
func (r *Run) Advance(s State, now time.Time) error {
	if r.State == s {
		return nil
	}
	if !canAdvance(r.State, s) {
		return fmt.Errorf("%w: run %s: %s to %s", ErrInvalidTransition, r.ID, r.State, s)
	}
	r.State = s
	if s.Terminal() {
		r.EndTime = now
	}
	return nil
}

// Tally recomputes the total, completed, and failed counters by
// scanning every App.
func (r *Run) Tally() {
	r.TotalApps = len(r.Apps)
	r.CompletedApps = 0
	r.FailedApps = 0
	for _, a := range r.Apps {
		switch a.State {
		case Completed:
			r.CompletedApps++
		case Failed:
			r.FailedApps++
		}
	}
}

// Pending reports whether any App has yet to reach a terminal state.
func (r *Run) Pending() bool {
	for _, a := range r.Apps {
		if !a.State.Terminal() {
			return true
		}
	}
	return false
}

// Reopen returns a terminal Run that still has non-terminal Apps to
// NotStarted so its remaining stages may be run again.
func (r *Run) Reopen() error {
	if !r.Pending() {
		return fmt.Errorf("%w: run %s: no pending apps", ErrInvalidTransition, r.ID)
	}
	r.State = NotStarted
	r.EndTime = time.Time{}
	return nil
}
