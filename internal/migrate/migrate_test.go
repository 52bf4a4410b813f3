package migrate

import (
	"database/sql"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/emergent-company/tabgraph/migrations"
)

// lazyDB never connects; provider construction only reads the sources.
func lazyDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", "postgres://nobody@127.0.0.1:1/none?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEmbeddedMigrations(t *testing.T) {
	m, err := NewMigrator(lazyDB(t), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, m.Sources())

	names, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	for _, name := range names {
		body, err := fs.ReadFile(migrations.FS, name)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "-- +goose Up"), name)
		assert.Contains(t, string(body), "-- +goose Down", name)
	}
}

func TestNewMigrator_RejectsDuplicateVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"00001_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")},
		"00001_b.sql": {Data: []byte("-- +goose Up\nSELECT 2;\n")},
	}
	_, err := newMigrator(lazyDB(t), fsys, zap.NewNop())
	assert.Error(t, err)
}
