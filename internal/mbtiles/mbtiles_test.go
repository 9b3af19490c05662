package mbtiles

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func createTestArchive(t *testing.T, tiles map[[3]uint32][]byte, meta map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mbtiles")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE metadata (name TEXT, value TEXT)`)
	require.NoError(t, err)

	for coord, data := range tiles {
		_, err = db.Exec(`INSERT INTO tiles VALUES (?, ?, ?, ?)`, coord[0], coord[1], coord[2], data)
		require.NoError(t, err)
	}
	for k, v := range meta {
		_, err = db.Exec(`INSERT INTO metadata VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}
	return path
}

func TestReadTileFlipsRow(t *testing.T) {
	// xyz (2,1,1) 对应档案内的 TMS 行号 3-1=2
	path := createTestArchive(t, map[[3]uint32][]byte{
		{2, 1, 2}: []byte("tile-data"),
	}, nil)

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	data, err := a.ReadTile(2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-data"), data)
}

func TestReadTileAbsent(t *testing.T) {
	path := createTestArchive(t, nil, nil)

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	data, err := a.ReadTile(14, 3600, 6200)
	require.NoError(t, err, "瓦片不存在不是错误")
	assert.Nil(t, data)
}

func TestMetadata(t *testing.T) {
	path := createTestArchive(t, nil, map[string]string{
		"name":   "ks-mo",
		"format": "pbf",
	})

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()

	meta, err := a.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "ks-mo", meta["name"])
	assert.Equal(t, "pbf", meta["format"])
}

func TestOpenRejectsNonArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE other (id INTEGER)`)
	require.NoError(t, err)
	db.Close()

	_, err = Open(path)
	assert.Error(t, err)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mbtiles"))
	assert.Error(t, err)
}
