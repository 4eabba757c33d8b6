// Package test provides a conformance suite for run storage backends.
package test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/micromdm/nanopatch/run"
	"github.com/micromdm/nanopatch/run/storage"
)

func TestRunStorage(t *testing.T, newStorage func() storage.Storage) {
	s := newStorage()
	ctx := context.Background()

	t.Run("not-found", func(t *testing.T) {
		_, err := s.RetrieveRun(ctx, "nonexistent-id")
		if !errors.Is(err, storage.ErrRunNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrRunNotFound)
		}

		err = s.DeleteRun(ctx, "nonexistent-id")
		if !errors.Is(err, storage.ErrRunNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrRunNotFound)
		}
	})

	t.Run("round-trip", func(t *testing.T) {
		now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
		r := run.New("run_20240506_070809_aaaa0001", []string{"firefox", "zoom", "slack"}, false, now)
		r.State = run.PatchManagement

		a := r.App("firefox")
		a.State = run.PolicyCreation
		a.StartTime = now
		a.DownloadPath = "/cache/firefox/Firefox.dmg"
		a.ProcessedPath = "/cache/firefox/Firefox-125.0.dmg"
		a.PackageID = "42"
		a.PatchTitleID = "7"
		a.Version = "125.0"

		z := r.App("zoom")
		z.State = run.Failed
		z.ErrorMessage = "Download failed"
		z.EndTime = now

		r.App("slack").State = run.PatchManagement
		r.App("slack").ErrorMessage = "Patch title 'Slack' not found"

		if err := s.StoreRun(ctx, r); err != nil {
			t.Fatal(err)
		}

		r2, err := s.RetrieveRun(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}

		if have, want := r2.State, r.State; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := len(r2.Apps), len(r.Apps); have != want {
			t.Fatalf("have: %v, want: %v", have, want)
		}
		for i, want := range r.Apps {
			have := r2.Apps[i]
			if have.Name != want.Name {
				t.Errorf("app %d: name: have: %v, want: %v", i, have.Name, want.Name)
			}
			if have.State != want.State {
				t.Errorf("%s: state: have: %v, want: %v", want.Name, have.State, want.State)
			}
			if have.DownloadPath != want.DownloadPath || have.ProcessedPath != want.ProcessedPath {
				t.Errorf("%s: paths: have: %v %v, want: %v %v", want.Name, have.DownloadPath, have.ProcessedPath, want.DownloadPath, want.ProcessedPath)
			}
			if have.Version != want.Version {
				t.Errorf("%s: version: have: %v, want: %v", want.Name, have.Version, want.Version)
			}
			if have.PackageID != want.PackageID || have.PatchTitleID != want.PatchTitleID {
				t.Errorf("%s: ids: have: %v %v, want: %v %v", want.Name, have.PackageID, have.PatchTitleID, want.PackageID, want.PatchTitleID)
			}
			if have.ErrorMessage != want.ErrorMessage {
				t.Errorf("%s: error: have: %v, want: %v", want.Name, have.ErrorMessage, want.ErrorMessage)
			}
			if !have.EndTime.Equal(want.EndTime) {
				t.Errorf("%s: end time: have: %v, want: %v", want.Name, have.EndTime, want.EndTime)
			}
		}

		// overwrite
		r.State = run.Completed
		r.EndTime = now.Add(time.Minute)
		r.Tally()
		if err = s.StoreRun(ctx, r); err != nil {
			t.Fatal(err)
		}
		r2, err = s.RetrieveRun(ctx, r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if have, want := r2.State, run.Completed; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}
		if have, want := r2.FailedApps, 1; have != want {
			t.Errorf("have: %v, want: %v", have, want)
		}

		ids, err := s.ListRunIDs(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Contains(ids, r.ID) {
			t.Errorf("run id %s not listed in %v", r.ID, ids)
		}

		if err = s.DeleteRun(ctx, r.ID); err != nil {
			t.Fatal(err)
		}
		_, err = s.RetrieveRun(ctx, r.ID)
		if !errors.Is(err, storage.ErrRunNotFound) {
			t.Errorf("have: %v, want: %v", err, storage.ErrRunNotFound)
		}
	})

	t.Run("no-id", func(t *testing.T) {
		if err := s.StoreRun(ctx, &run.Run{}); !errors.Is(err, storage.ErrNoRunID) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNoRunID)
		}
		if _, err := s.RetrieveRun(ctx, ""); !errors.Is(err, storage.ErrNoRunID) {
			t.Errorf("have: %v, want: %v", err, storage.ErrNoRunID)
		}
	})
}
