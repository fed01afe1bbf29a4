package tests

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/stretchr/testify/require"
)

// Sqlite3URL returns a URI for a throwaway shared in-memory database. It keeps
// a connection open for the duration of the test so the shared in-memory
// database survives other connections (e.g. the migration's) closing.
func Sqlite3URL(t *testing.T) string {
	dbURI := "file::" + uuid.NewString() + ":?mode=memory&cache=shared&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dbURI)
	require.NoError(t, err)
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = db.Close()
	})

	return dbURI
}
