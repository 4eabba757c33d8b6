package kvmap

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanopatch/utils/kv"
)

func TestKVMap(t *testing.T) {
	ctx := context.Background()
	b := NewBucket()

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, have: %v", err)
	}

	for k, v := range map[string]string{"a": "1", "b": "2"} {
		if err := b.Set(ctx, k, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	found, err := b.Has(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("key a not found")
	}

	// writing while traversing must not deadlock
	for k := range b.Keys(nil) {
		if err := b.Set(ctx, k+".copy", []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	if have, want := len(kv.AllKeys(b)), 4; have != want {
		t.Errorf("key count: have: %v, want: %v", have, want)
	}

	if err := b.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(ctx, "a"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound deleting twice, have: %v", err)
	}
}
