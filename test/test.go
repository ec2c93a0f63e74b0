package test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/brown-padev/peteramati/models/db"
	"github.com/brown-padev/peteramati/setup"
)

// SetUp connects to the test database and prepares every model. Postgres is
// used when DATABASE_URL is set; otherwise each test binary gets its own
// SQLite file.
func SetUp(t testing.TB) {
	t.Helper()
	var connector db.Connector
	if os.Getenv("DATABASE_URL") != "" {
		connector = setup.DefaultConnection
	} else {
		path := filepath.Join(os.TempDir(), fmt.Sprintf("peteramati-test-%d.db", os.Getpid()))
		connector = &setup.SQLiteConnector{Path: path}
	}
	if err := setup.DB(connector, 10); err != nil {
		t.Fatal(err)
	}
}

// TruncateTables deletes all records from the database.
func TruncateTables(t testing.TB) error {
	var name string
	if t == nil {
		name = "TruncateTables"
	} else {
		name = t.Name()
	}
	for _, table := range []string{"queue_entries", "commit_runs"} {
		if _, err := db.Conn.Exec(fmt.Sprintf("-- %s\nDELETE FROM %s", name, table)); err != nil {
			return err
		}
	}
	return nil
}

// TearDown deletes all records from the database, and marks the test as failed
// if this was unsuccessful.
func TearDown(t testing.TB) {
	t.Helper()
	if db.Connected() {
		if err := TruncateTables(t); err != nil {
			t.Fatal(err)
		}
	}
}
