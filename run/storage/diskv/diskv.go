// Package diskv implements a run storage backend backed by diskv.
package diskv

import (
	"path/filepath"

	"github.com/micromdm/nanopatch/run/storage/kv"
	"github.com/micromdm/nanopatch/utils/kv/kvdiskv"
)

// Diskv is a run storage backend that uses an on-disk key-value store.
// Each run is one file named by its run id.
type Diskv struct {
	*kv.KV
}

// New creates a new run store on disk at path.
func New(path string) *Diskv {
	return &Diskv{KV: kv.New(kvdiskv.New(filepath.Join(path, "runs")))}
}
