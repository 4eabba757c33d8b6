package main

import (
	"fmt"
	"strings"

	"github.com/micromdm/nanopatch/run/storage"
	"github.com/micromdm/nanopatch/run/storage/diskv"
	"github.com/micromdm/nanopatch/run/storage/inmem"
	"github.com/micromdm/nanopatch/run/storage/mysql"
	"github.com/micromdm/nanopatch/run/storage/pgsql"

	_ "github.com/go-sql-driver/mysql"
)

// hasOption reports whether the comma separated options contain name.
func hasOption(options, name string) bool {
	for _, o := range strings.Split(options, ",") {
		if strings.TrimSpace(o) == name {
			return true
		}
	}
	return false
}

// parseStorage creates the named run storage backend.
// The file backend defaults to stateDir when dsn is empty.
func parseStorage(name, dsn, options, stateDir string) (storage.Storage, error) {
	switch name {
	case "inmem":
		return inmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = stateDir
		}
		if dsn == "" {
			dsn = "db"
		}
		return diskv.New(dsn), nil
	case "mysql":
		s, err := mysql.New(mysql.WithDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("creating mysql storage: %w", err)
		}
		return s, nil
	case "pgsql":
		opts := []pgsql.Option{pgsql.WithDSN(dsn)}
		if hasOption(options, "create_schema") {
			opts = append(opts, pgsql.WithCreateSchema())
		}
		s, err := pgsql.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating pgsql storage: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
