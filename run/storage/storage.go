// Package storage defines types and methods for a run storage backend.
package storage

import (
	"context"
	"errors"

	"github.com/micromdm/nanopatch/run"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrNoRunID     = errors.New("no run id")
)

type ReadStorage interface {
	// RetrieveRun returns the run with the given id.
	// ErrRunNotFound is returned if it hasn't been stored.
	RetrieveRun(ctx context.Context, id string) (*run.Run, error)

	// ListRunIDs returns the ids of every stored run, sorted.
	ListRunIDs(ctx context.Context) ([]string, error)
}

type Storage interface {
	ReadStorage

	// StoreRun stores r keyed by its id, replacing any previous record.
	StoreRun(ctx context.Context, r *run.Run) error

	// DeleteRun deletes the run with the given id.
	// Runs are only ever deleted by an external retention policy.
	// ErrRunNotFound is returned if it hasn't been stored.
	DeleteRun(ctx context.Context, id string) error
}
