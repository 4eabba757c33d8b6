package pgsql

import (
	"os"
	"testing"

	"github.com/micromdm/nanopatch/run/storage"
	"github.com/micromdm/nanopatch/run/storage/test"
)

func TestPgSQLStorage(t *testing.T) {
	testDSN := os.Getenv("NANOPATCH_PGSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("NANOPATCH_PGSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN), WithCreateSchema())
	if err != nil {
		t.Fatal(err)
	}

	test.TestRunStorage(t, func() storage.Storage { return s })
}
