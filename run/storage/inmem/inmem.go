// Package inmem implements an in-memory run storage backend.
package inmem

import (
	"github.com/micromdm/nanopatch/run/storage/kv"
	"github.com/micromdm/nanopatch/utils/kv/kvmap"
)

// InMem is a run storage backend using an in-memory key-value store.
type InMem struct {
	*kv.KV
}

func New() *InMem {
	return &InMem{KV: kv.New(kvmap.NewBucket())}
}
