package sqlite_cache

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swproxy/pkg/cache"
	"github.com/pmkol/swproxy/pkg/sqlitedb"
)

func open(t *testing.T, path string) *SQLiteCache {
	t.Helper()
	db, err := sqlitedb.Open(path)
	require.NoError(t, err)
	c, err := NewSQLiteCache(context.Background(), Opts{DB: db, CloseDB: true})
	require.NoError(t, err)
	return c
}

func TestSQLiteCache_survivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	c := open(t, path)
	require.NoError(t, c.CreateNamespace(ctx, "v1-static"))
	storedAt := time.Now().Truncate(time.Millisecond)
	require.NoError(t, c.Store(ctx, "v1-static", &cache.Entry{
		Key:      "GET /index.html",
		Status:   200,
		Header:   http.Header{"Content-Type": {"text/html"}},
		Body:     []byte("<html></html>"),
		StoredAt: storedAt,
	}))
	require.NoError(t, c.Close())

	c = open(t, path)
	defer c.Close()
	e, err := c.Get(ctx, "v1-static", "GET /index.html")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, 200, e.Status)
	assert.Equal(t, "text/html", e.Header.Get("Content-Type"))
	assert.Equal(t, "<html></html>", string(e.Body))
	assert.True(t, storedAt.Equal(e.StoredAt))
	assert.Equal(t, 1, c.Len())
}

func TestSQLiteCache_replaceAndDelete(t *testing.T) {
	ctx := context.Background()
	c := open(t, filepath.Join(t.TempDir(), "cache.db"))
	defer c.Close()

	assert.ErrorIs(t, c.Store(ctx, "nope", &cache.Entry{Key: "k"}), cache.ErrNamespaceNotFound)

	require.NoError(t, c.CreateNamespace(ctx, "dynamic"))
	require.NoError(t, c.CreateNamespace(ctx, "dynamic")) // idempotent
	require.NoError(t, c.Store(ctx, "dynamic", &cache.Entry{Key: "k", Status: 200, Body: []byte("1")}))
	require.NoError(t, c.Store(ctx, "dynamic", &cache.Entry{Key: "k", Status: 200, Body: []byte("2")}))

	e, err := c.Get(ctx, "dynamic", "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(e.Body))

	miss, err := c.Get(ctx, "dynamic", "other")
	require.NoError(t, err)
	assert.Nil(t, miss)

	ok, err := c.DeleteNamespace(ctx, "dynamic")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.DeleteNamespace(ctx, "dynamic")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.Equal(t, 0, c.Len())
}
