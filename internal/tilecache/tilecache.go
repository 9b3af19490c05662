// Package tilecache 有界的瓦片字节缓存，按插入顺序淘汰，读取时检查 TTL
package tilecache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tileserv/internal/mbtiles"
	"tileserv/internal/tilestore"
)

// Reader 档案读取协作方，mbtiles.Archive 是生产实现
type Reader interface {
	ReadTile(z, x, y uint32) ([]byte, error)
	Metadata() (map[string]string, error)
	Close() error
}

// Opener 档案打开函数，测试可以注入假档案并统计调用次数
type Opener func(path string) (Reader, error)

// DefaultOpener 生产环境的 mbtiles 打开函数
func DefaultOpener(path string) (Reader, error) {
	return mbtiles.Open(path)
}

// TileData 瓦片字节和响应头
// 瓦片确认不存在时 Bytes 为 nil，响应头照常填充
type TileData struct {
	Bytes   []byte
	Headers map[string]string
}

// Absent 档案确认该坐标没有瓦片
func (td *TileData) Absent() bool {
	return td.Bytes == nil
}

// Config 缓存配置
type Config struct {
	MaxSize   int           // 最大条目数
	TTL       time.Duration // 条目过期时间
	PublicURL string        // TileJSON 瓦片模板的外部地址
}

type entry struct {
	data       *TileData
	insertedAt time.Time
}

// Cache 解码前瓦片字节的共享缓存
// 写入需要持锁；档案句柄按解析后的路径惰性打开并复用
type Cache struct {
	store *tilestore.Store
	open  Opener
	cfg   Config
	log   *logrus.Entry

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // FIFO 插入顺序

	hmu     sync.Mutex
	handles map[string]*handle
}

// handle 打开的档案和它的元数据
type handle struct {
	reader   Reader
	meta     map[string]string
	encoding string
}

// New 构造缓存，源集合在启动时发现后显式传入
func New(store *tilestore.Store, open Opener, cfg Config, log *logrus.Logger) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 256
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Cache{
		store:   store,
		open:    open,
		cfg:     cfg,
		log:     log.WithField("comp", "tilecache"),
		entries: make(map[string]*entry),
		handles: make(map[string]*handle),
	}
}

// GetTile 读取一块瓦片
// TTL 内命中直接返回缓存字节，不碰档案；未命中走档案并写回缓存
func (c *Cache) GetTile(ctx context.Context, source string, z, x, y uint32) (*TileData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s/%d/%d/%d", source, z, x, y)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Since(e.insertedAt) < c.cfg.TTL {
		c.mu.Unlock()
		return e.data, nil
	}
	c.mu.Unlock()

	path, ok := c.store.Resolve(source)
	if !ok {
		return nil, fmt.Errorf("source %q: %w", source, tilestore.ErrSourceNotFound)
	}
	h, err := c.handle(path)
	if err != nil {
		return nil, err
	}

	bytes, err := h.reader.ReadTile(z, x, y)
	if err != nil {
		c.log.WithError(err).Errorf("读取瓦片失败 %s %d/%d/%d", source, z, x, y)
		return nil, err
	}

	td := &TileData{Bytes: bytes, Headers: c.headers(h.encoding)}
	c.insert(key, td)
	return td, nil
}

// headers 所有返回路径都带齐的响应头
func (c *Cache) headers(encoding string) map[string]string {
	return map[string]string{
		"Content-Type":                "application/x-protobuf",
		"Content-Encoding":            encoding,
		"Access-Control-Allow-Origin": "*",
		"Cache-Control":               "public, max-age=86400",
	}
}

// insert 写入缓存，超出容量时淘汰最早插入的一条
func (c *Cache) insert(key string, td *TileData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		// TTL 过期重取，旧条目被替换，插入顺序重排到队尾
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	} else if len(c.order) >= c.cfg.MaxSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = &entry{data: td, insertedAt: time.Now()}
	c.order = append(c.order, key)
}

// handle 按路径取档案句柄，第一次用到时才打开，之后一直复用
func (c *Cache) handle(path string) (*handle, error) {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	if h, ok := c.handles[path]; ok {
		return h, nil
	}
	r, err := c.open(path)
	if err != nil {
		c.log.WithError(err).Errorf("打开档案失败 %s", path)
		return nil, err
	}
	meta, err := r.Metadata()
	if err != nil {
		c.log.WithError(err).Warnf("读取档案元数据失败 %s", path)
		meta = map[string]string{}
	}
	encoding := meta["compression"]
	if encoding == "" {
		encoding = "gzip"
	}
	h := &handle{reader: r, meta: meta, encoding: encoding}
	c.handles[path] = h
	return h, nil
}

// Close 关闭全部档案句柄
func (c *Cache) Close() error {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	var firstErr error
	for path, h := range c.handles {
		if err := h.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.handles, path)
	}
	return firstErr
}

// TileJSON 数据源元数据描述
type TileJSON struct {
	TileJSON    string     `json:"tilejson"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Version     string     `json:"version"`
	Attribution string     `json:"attribution"`
	Scheme      string     `json:"scheme"`
	Tiles       []string   `json:"tiles"`
	MinZoom     int        `json:"minzoom"`
	MaxZoom     int        `json:"maxzoom"`
	Bounds      [4]float64 `json:"bounds"`
	Center      [3]float64 `json:"center"`
}

// GetMetadata 生成数据源的 TileJSON，档案缺的字段用固定默认值补齐
func (c *Cache) GetMetadata(source string) (*TileJSON, error) {
	path, ok := c.store.Resolve(source)
	if !ok {
		return nil, fmt.Errorf("source %q: %w", source, tilestore.ErrSourceNotFound)
	}
	h, err := c.handle(path)
	if err != nil {
		return nil, err
	}

	tj := &TileJSON{
		TileJSON:    "2.2.0",
		Name:        metaOr(h.meta, "name", source),
		Description: h.meta["description"],
		Version:     metaOr(h.meta, "version", "1.0.0"),
		Attribution: h.meta["attribution"],
		Scheme:      "xyz",
		Tiles:       []string{fmt.Sprintf("%s/data/%s/{z}/{x}/{y}.pbf", c.cfg.PublicURL, source)},
		MinZoom:     metaInt(h.meta, "minzoom", 0),
		MaxZoom:     metaInt(h.meta, "maxzoom", 14),
		Bounds:      [4]float64{-180, -85.0511, 180, 85.0511},
	}
	if b, ok := metaBounds(h.meta["bounds"]); ok {
		tj.Bounds = b
	}
	tj.Center = [3]float64{
		(tj.Bounds[0] + tj.Bounds[2]) / 2,
		(tj.Bounds[1] + tj.Bounds[3]) / 2,
		float64(tj.MaxZoom),
	}
	if cen, ok := metaCenter(h.meta["center"]); ok {
		tj.Center = cen
	}
	return tj, nil
}

func metaOr(meta map[string]string, key, def string) string {
	if v, ok := meta[key]; ok && v != "" {
		return v
	}
	return def
}

func metaInt(meta map[string]string, key string, def int) int {
	if v, ok := meta[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func metaBounds(v string) ([4]float64, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return [4]float64{}, false
	}
	var out [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return [4]float64{}, false
		}
		out[i] = f
	}
	return out, true
}

func metaCenter(v string) ([3]float64, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		return [3]float64{}, false
	}
	var out [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return [3]float64{}, false
		}
		out[i] = f
	}
	return out, true
}
