// ABOUTME: Tests for SQLite store setup and shared helpers
// ABOUTME: Covers database creation, driver selection, migrations, and timestamp ordering

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Schema creation and migrations must be idempotent.
	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestNewSQLiteStoreWithDriver_CGO(t *testing.T) {
	store, err := NewSQLiteStoreWithDriver(DriverCGO, filepath.Join(t.TempDir(), "cgo.db"))
	if err != nil {
		t.Skipf("cgo sqlite driver unavailable: %v", err)
	}
	defer store.Close()

	require.NoError(t, store.UpsertUser(t.Context(), &User{UserID: "u1", Username: "alice", Role: "user"}))
	u, err := store.GetUser(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestNewSQLiteStoreWithDriver_Unsupported(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestMigrations_AddLastUsedColumn(t *testing.T) {
	store := newTestStore(t)

	var exists int
	err := store.db.QueryRow(`SELECT 1 FROM pragma_table_info('api_tokens') WHERE name = 'last_used_at'`).Scan(&exists)
	require.NoError(t, err)
	assert.Equal(t, 1, exists)
}

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := formatTime(base)
	b := formatTime(base.Add(time.Millisecond))
	c := formatTime(base.Add(time.Second))

	assert.Less(t, a, b)
	assert.Less(t, b, c)

	parsed, err := parseTime("x", b)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(base.Add(time.Millisecond)))
}

func TestClampPage(t *testing.T) {
	l, o := clampPage(0, -5)
	assert.Equal(t, 30, l)
	assert.Equal(t, 0, o)

	l, _ = clampPage(5000, 0)
	assert.Equal(t, 1000, l)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}
