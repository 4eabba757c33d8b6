package diskv

import (
	"testing"

	"github.com/micromdm/nanopatch/run/storage"
	"github.com/micromdm/nanopatch/run/storage/test"
)

func TestDiskv(t *testing.T) {
	test.TestRunStorage(t, func() storage.Storage { return New(t.TempDir()) })
}
