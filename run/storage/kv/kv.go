// Package kv implements a run storage backend using key-value storage.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/micromdm/nanopatch/run"
	"github.com/micromdm/nanopatch/run/storage"
	"github.com/micromdm/nanopatch/utils/kv"
)

const keySfxRun = ".json"

// KV is a run storage backend using key-value storage.
// Each run is a single JSON value keyed by its run id.
type KV struct {
	b kv.TraversingBucket
}

func New(b kv.TraversingBucket) *KV {
	return &KV{b: b}
}

// RetrieveRun returns the run with the given id from the key-value store.
func (s *KV) RetrieveRun(ctx context.Context, id string) (*run.Run, error) {
	if id == "" {
		return nil, storage.ErrNoRunID
	}
	raw, err := s.b.Get(ctx, id+keySfxRun)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrRunNotFound, id, err)
	} else if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", id, err)
	}
	r := new(run.Run)
	if err = json.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	return r, nil
}

// StoreRun stores r in the key-value store.
func (s *KV) StoreRun(ctx context.Context, r *run.Run) error {
	if r == nil || r.ID == "" {
		return storage.ErrNoRunID
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}
	return s.b.Set(ctx, r.ID+keySfxRun, raw)
}

// DeleteRun deletes the run with the given id from the key-value store.
func (s *KV) DeleteRun(ctx context.Context, id string) error {
	err := s.b.Delete(ctx, id+keySfxRun)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s: %v", storage.ErrRunNotFound, id, err)
	}
	return err
}

// ListRunIDs returns the sorted ids of all runs in the key-value store.
func (s *KV) ListRunIDs(_ context.Context) ([]string, error) {
	var ids []string
	for _, k := range kv.AllKeys(s.b) {
		if strings.HasSuffix(k, keySfxRun) {
			ids = append(ids, strings.TrimSuffix(k, keySfxRun))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
