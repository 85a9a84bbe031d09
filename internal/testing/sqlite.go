package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"maragu.dev/xrelay/queue"
)

// NewSQLiteDB for testing, in a fresh file under the test's temp dir.
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
	})

	if err := queue.Setup(t.Context(), db, queue.SQLFlavorSQLite); err != nil {
		t.Fatal(err)
	}

	return db
}
