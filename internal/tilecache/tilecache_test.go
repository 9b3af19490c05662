package tilecache

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileserv/internal/tilestore"
)

// fakeArchive 内存档案，统计读取次数
type fakeArchive struct {
	mu    sync.Mutex
	tiles map[string][]byte
	meta  map[string]string
	reads int
}

func (f *fakeArchive) ReadTile(z, x, y uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	data, ok := f.tiles[fmt.Sprintf("%d/%d/%d", z, x, y)]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (f *fakeArchive) Metadata() (map[string]string, error) {
	if f.meta == nil {
		return map[string]string{}, nil
	}
	return f.meta, nil
}

func (f *fakeArchive) Close() error { return nil }

func (f *fakeArchive) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type fixture struct {
	cache   *Cache
	archive *fakeArchive
	opens   int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	fx := &fixture{
		archive: &fakeArchive{tiles: map[string][]byte{
			"14/3600/6200": []byte("tile-a"),
			"14/3600/6201": []byte("tile-b"),
			"14/3601/6200": []byte("tile-c"),
			"14/3601/6201": []byte("tile-d"),
		}},
	}
	store := tilestore.New([]tilestore.Source{{Name: "ks-mo", Path: "/tiles/ks-mo.mbtiles"}})
	opener := func(path string) (Reader, error) {
		fx.opens++
		return fx.archive, nil
	}
	fx.cache = New(store, opener, cfg, log)
	return fx
}

// TTL 内第二次取同一块瓦片必须命中缓存，档案只读一次
func TestGetTileCachedWithinTTL(t *testing.T) {
	fx := newFixture(t, Config{MaxSize: 8, TTL: time.Minute})
	ctx := context.Background()

	first, err := fx.cache.GetTile(ctx, "ks-mo", 14, 3600, 6200)
	require.NoError(t, err)
	second, err := fx.cache.GetTile(ctx, "ks-mo", 14, 3600, 6200)
	require.NoError(t, err)

	assert.Equal(t, first.Bytes, second.Bytes)
	assert.Equal(t, 1, fx.archive.readCount())
}

func TestGetTileTTLExpiredRefetch(t *testing.T) {
	fx := newFixture(t, Config{MaxSize: 8, TTL: time.Millisecond})
	ctx := context.Background()

	_, err := fx.cache.GetTile(ctx, "ks-mo", 14, 3600, 6200)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = fx.cache.GetTile(ctx, "ks-mo", 14, 3600, 6200)
	require.NoError(t, err)

	assert.Equal(t, 2, fx.archive.readCount())
}

// 超出容量时只淘汰最早插入的那一条
func TestFIFOEviction(t *testing.T) {
	fx := newFixture(t, Config{MaxSize: 3, TTL: time.Minute})
	ctx := context.Background()

	coords := [][2]uint32{{3600, 6200}, {3600, 6201}, {3601, 6200}, {3601, 6201}}
	for _, c := range coords {
		_, err := fx.cache.GetTile(ctx, "ks-mo", 14, c[0], c[1])
		require.NoError(t, err)
	}
	require.Equal(t, 4, fx.archive.readCount())

	// 后三条仍然命中缓存
	for _, c := range coords[1:] {
		_, err := fx.cache.GetTile(ctx, "ks-mo", 14, c[0], c[1])
		require.NoError(t, err)
	}
	assert.Equal(t, 4, fx.archive.readCount())

	// 最早的一条被淘汰，要重新读档案
	_, err := fx.cache.GetTile(ctx, "ks-mo", 14, 3600, 6200)
	require.NoError(t, err)
	assert.Equal(t, 5, fx.archive.readCount())
}

func TestAbsentTileDistinctFromError(t *testing.T) {
	fx := newFixture(t, Config{MaxSize: 8, TTL: time.Minute})

	td, err := fx.cache.GetTile(context.Background(), "ks-mo", 14, 1, 1)
	require.NoError(t, err)
	require.NotNil(t, td)
	assert.True(t, td.Absent())
	// 响应头任何路径都要带齐
	assert.Equal(t, "application/x-protobuf", td.Headers["Content-Type"])
	assert.Equal(t, "gzip", td.Headers["Content-Encoding"])
	assert.Equal(t, "*", td.Headers["Access-Control-Allow-Origin"])
	assert.NotEmpty(t, td.Headers["Cache-Control"])
}

func TestSourceFallbackThroughStore(t *testing.T) {
	fx := newFixture(t, Config{MaxSize: 8, TTL: time.Minute})

	// 只发现了 ks-mo，请求 kc-enhanced 走回退而不是报错
	td, err := fx.cache.GetTile(context.Background(), "kc-enhanced", 14, 3600, 6200)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-a"), td.Bytes)
}

func TestSourceNotFound(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cache := New(tilestore.New(nil), func(string) (Reader, error) {
		t.Fatal("opener should not be called")
		return nil, nil
	}, Config{MaxSize: 8, TTL: time.Minute}, log)

	_, err := cache.GetTile(context.Background(), "nowhere", 14, 0, 0)
	assert.ErrorIs(t, err, tilestore.ErrSourceNotFound)
}

// 同一路径的档案句柄只打开一次，之后复用
func TestArchiveHandleReuse(t *testing.T) {
	fx := newFixture(t, Config{MaxSize: 8, TTL: time.Minute})
	ctx := context.Background()

	_, err := fx.cache.GetTile(ctx, "ks-mo", 14, 3600, 6200)
	require.NoError(t, err)
	_, err = fx.cache.GetTile(ctx, "ks-mo", 14, 3601, 6201)
	require.NoError(t, err)
	_, err = fx.cache.GetMetadata("ks-mo")
	require.NoError(t, err)

	assert.Equal(t, 1, fx.opens)
}

func TestGetMetadataDefaults(t *testing.T) {
	fx := newFixture(t, Config{MaxSize: 8, TTL: time.Minute, PublicURL: "http://localhost:8080"})
	fx.archive.meta = map[string]string{
		"name":    "Kansas City OSM",
		"bounds":  "-95.8,38.8,-94.3,39.5",
		"maxzoom": "14",
	}

	tj, err := fx.cache.GetMetadata("ks-mo")
	require.NoError(t, err)

	assert.Equal(t, "Kansas City OSM", tj.Name)
	assert.Equal(t, "1.0.0", tj.Version, "缺省版本号")
	assert.Equal(t, "xyz", tj.Scheme)
	assert.Equal(t, 0, tj.MinZoom)
	assert.Equal(t, 14, tj.MaxZoom)
	assert.Equal(t, [4]float64{-95.8, 38.8, -94.3, 39.5}, tj.Bounds)
	require.Len(t, tj.Tiles, 1)
	assert.Equal(t, "http://localhost:8080/data/ks-mo/{z}/{x}/{y}.pbf", tj.Tiles[0])
	// 中心点从 bounds 推出来
	assert.InDelta(t, -95.05, tj.Center[0], 1e-9)
	assert.InDelta(t, 39.15, tj.Center[1], 1e-9)
}

func TestGetMetadataSourceNotFound(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cache := New(tilestore.New(nil), DefaultOpener, Config{}, log)

	_, err := cache.GetMetadata("nowhere")
	assert.ErrorIs(t, err, tilestore.ErrSourceNotFound)
}
