package run

import "time"

// AppStatus is the display projection of an App.
type AppStatus struct {
	State        State  `json:"state"`
	Version      string `json:"version,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Status is the display projection of a Run.
// Paths and remote identifiers are omitted.
type Status struct {
	RunID         string               `json:"run_id"`
	State         State                `json:"state"`
	StartTime     time.Time            `json:"start_time"`
	EndTime       time.Time            `json:"end_time,omitzero"`
	DryRun        bool                 `json:"dry_run"`
	TotalApps     int                  `json:"total_apps"`
	CompletedApps int                  `json:"completed_apps"`
	FailedApps    int                  `json:"failed_apps"`
	Apps          map[string]AppStatus `json:"applications"`
}

// Status projects r for display.
func (r *Run) Status() *Status {
	s := &Status{
		RunID:         r.ID,
		State:         r.State,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		DryRun:        r.DryRun,
		TotalApps:     r.TotalApps,
		CompletedApps: r.CompletedApps,
		FailedApps:    r.FailedApps,
		Apps:          make(map[string]AppStatus, len(r.Apps)),
	}
	for _, a := range r.Apps {
		s.Apps[a.Name] = AppStatus{
			State:        a.State,
			Version:      a.Version,
			ErrorMessage: a.ErrorMessage,
		}
	}
	return s
}
