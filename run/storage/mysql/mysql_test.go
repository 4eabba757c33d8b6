package mysql

import (
	"os"
	"testing"

	"github.com/micromdm/nanopatch/run/storage"
	"github.com/micromdm/nanopatch/run/storage/test"

	_ "github.com/go-sql-driver/mysql"
)

func TestMySQLStorage(t *testing.T) {
	testDSN := os.Getenv("NANOPATCH_MYSQL_STORAGE_TEST_DSN")
	if testDSN == "" {
		t.Skip("NANOPATCH_MYSQL_STORAGE_TEST_DSN not set")
	}

	s, err := New(WithDSN(testDSN))
	if err != nil {
		t.Fatal(err)
	}

	// to test using an existing DB/DSN:
	//
	// DELETE FROM patch_runs;

	test.TestRunStorage(t, func() storage.Storage { return s })
}
