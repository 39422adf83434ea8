// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/diabetactic/glucosync/internal/errors"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("ignored")},
	}
}

func TestMigrator_UpAppliesInOrder(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())
	require.NoError(t, m.Initialize())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	require.NoError(t, m.Up())

	version, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "create_a", applied[0].Description)
	assert.Len(t, applied[1].Checksum, 64)

	// Running again is a no-op.
	require.NoError(t, m.Up())
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	_, err = db.Exec("SELECT * FROM b")
	assert.Error(t, err, "table b should be dropped")
}

func TestMigrator_DownWithNothingApplied(t *testing.T) {
	m := NewMigrator(memoryDB(t), testMigrations())
	require.NoError(t, m.Initialize())

	assert.Error(t, m.Down())
}

func TestMigrator_detectsModifiedMigration(t *testing.T) {
	db := memoryDB(t)
	source := testMigrations()
	m := NewMigrator(db, source)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	source["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT);")}

	err := m.Up()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
}

func TestMigrator_failedMigrationRollsBack(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE c (id INTEGER); NOT SQL;")},
	})
	require.NoError(t, m.Initialize())

	err := m.Up()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}
