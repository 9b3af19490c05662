// Package extract 基于瓦片缓存和矢量解码回答范围要素查询
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"tileserv/internal/mvt"
	"tileserv/internal/projection"
	"tileserv/internal/tilecache"
)

// ErrMissingParameter 必填参数缺失，在任何 I/O 之前抛出
var ErrMissingParameter = errors.New("missing required parameter")

// TileGetter 瓦片来源，生产实现是 tilecache.Cache
type TileGetter interface {
	GetTile(ctx context.Context, source string, z, x, y uint32) (*tilecache.TileData, error)
}

// Options 一次要素查询的参数
type Options struct {
	Source    string
	Layer     string
	Bounds    *orb.Bound
	Zoom      int                            // 0 时取默认级别 14
	Filter    func(*geojson.Feature) bool    // 自定义谓词
	Where     map[string]interface{}         // 属性全等匹配，所有键都要命中
	SummaryBy string                         // 按该属性聚合计数而不是返回要素
}

// Summary 属性聚合结果
type Summary struct {
	SummaryBy string         `json:"summaryBy"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
}

// Result 要么是要素集合要么是聚合结果
type Result struct {
	Collection *geojson.FeatureCollection `json:"collection,omitempty"`
	Summary    *Summary                   `json:"summary,omitempty"`
}

// Extractor 要素提取器
type Extractor struct {
	cache    TileGetter
	workers  int
	deadline time.Duration
	log      *logrus.Entry
}

// New 构造提取器；workers 是单次查询的并发瓦片数，deadline 是软超时
func New(cache TileGetter, workers int, deadline time.Duration, log *logrus.Logger) *Extractor {
	if workers <= 0 {
		workers = 4
	}
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	return &Extractor{
		cache:    cache,
		workers:  workers,
		deadline: deadline,
		log:      log.WithField("comp", "extract"),
	}
}

// GetOSMFeatures 查询范围内的要素或按属性聚合
// 单块瓦片取不到或解不开只记日志跳过，稀疏覆盖下的部分结果是正常的
func (e *Extractor) GetOSMFeatures(ctx context.Context, opts Options) (*Result, error) {
	switch {
	case opts.Source == "":
		return nil, fmt.Errorf("source: %w", ErrMissingParameter)
	case opts.Layer == "":
		return nil, fmt.Errorf("layer: %w", ErrMissingParameter)
	case opts.Bounds == nil:
		return nil, fmt.Errorf("bounds: %w", ErrMissingParameter)
	}
	zoom := opts.Zoom
	if zoom == 0 {
		zoom = projection.DefaultZoom
	}

	qid, _ := shortid.Generate()
	qlog := e.log.WithField("query", qid)

	tiles := projection.TilesForBounds(*opts.Bounds, maptile.Zoom(zoom))
	qlog.Debugf("查询 %s/%s 覆盖 %d 块瓦片", opts.Source, opts.Layer, len(tiles))

	// 各瓦片互不依赖，有界并发抓取；结果按瓦片下标归位保证确定性
	perTile := make([][]*geojson.Feature, len(tiles))
	softDeadline := time.Now().Add(e.deadline)
	workers := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for i, t := range tiles {
		if time.Now().After(softDeadline) || ctx.Err() != nil {
			qlog.Warnf("软超时，已发出 %d/%d 块瓦片，返回部分结果", i, len(tiles))
			break
		}
		workers <- struct{}{}
		wg.Add(1)
		go func(i int, t maptile.Tile) {
			defer func() {
				wg.Done()
				<-workers
			}()
			perTile[i] = e.tileFeatures(ctx, qlog, opts, t)
		}(i, t)
	}
	wg.Wait()

	if opts.SummaryBy != "" {
		sum := &Summary{SummaryBy: opts.SummaryBy, Counts: make(map[string]int)}
		for _, feats := range perTile {
			for _, f := range feats {
				v, ok := f.Properties[opts.SummaryBy]
				if !ok || v == nil || v == "" {
					continue
				}
				sum.Counts[fmt.Sprint(v)]++
				sum.Total++
			}
		}
		return &Result{Summary: sum}, nil
	}

	fc := geojson.NewFeatureCollection()
	for _, feats := range perTile {
		fc.Features = append(fc.Features, feats...)
	}
	return &Result{Collection: fc}, nil
}

// tileFeatures 取一块瓦片并筛出命中的要素，失败只跳过不中断整个查询
func (e *Extractor) tileFeatures(ctx context.Context, qlog *logrus.Entry, opts Options, t maptile.Tile) []*geojson.Feature {
	td, err := e.cache.GetTile(ctx, opts.Source, uint32(t.Z), t.X, t.Y)
	if err != nil {
		qlog.WithError(err).Warnf("瓦片 %s %d/%d/%d 获取失败，跳过", opts.Source, t.Z, t.X, t.Y)
		return nil
	}
	if td.Absent() {
		return nil
	}
	layers, err := mvt.Decode(td.Bytes)
	if err != nil {
		qlog.WithError(err).Warnf("瓦片 %s %d/%d/%d 解码失败，跳过", opts.Source, t.Z, t.X, t.Y)
		return nil
	}

	var layer *mvt.Layer
	for _, l := range layers {
		if l.Name == opts.Layer {
			layer = l
			break
		}
	}
	if layer == nil {
		// 目标图层在这块瓦片里不存在，不算错误
		return nil
	}

	var out []*geojson.Feature
	for _, f := range layer.Features {
		geom := projection.ToGeographic(f.Geometry, t, layer.Extent)
		if !intersects(geom, *opts.Bounds) {
			continue
		}
		gf := geojson.NewFeature(geom)
		for k, v := range f.Properties {
			gf.Properties[k] = v
		}
		if !matches(gf, opts) {
			continue
		}
		gf.Properties["_layer"] = layer.Name
		gf.Properties["_tile"] = fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
		out = append(out, gf)
	}
	return out
}

// matches 应用可选过滤：谓词或属性全等表
func matches(f *geojson.Feature, opts Options) bool {
	if opts.Filter != nil && !opts.Filter(f) {
		return false
	}
	for k, want := range opts.Where {
		got, ok := f.Properties[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// intersects 保守的顶点判交
// 多边形只看外环顶点，完全包住查询框但没有顶点落在框内的多边形会漏掉，
// 这是沿用已有行为的既定取舍
func intersects(g orb.Geometry, b orb.Bound) bool {
	switch geom := g.(type) {
	case orb.Point:
		return pointIn(geom, b)
	case orb.MultiPoint:
		for _, p := range geom {
			if pointIn(p, b) {
				return true
			}
		}
	case orb.LineString:
		return anyVertexIn(geom, b)
	case orb.MultiLineString:
		for _, ls := range geom {
			if anyVertexIn(ls, b) {
				return true
			}
		}
	case orb.Polygon:
		if len(geom) > 0 {
			return anyVertexIn(orb.LineString(geom[0]), b)
		}
	case orb.MultiPolygon:
		for _, poly := range geom {
			if len(poly) > 0 && anyVertexIn(orb.LineString(poly[0]), b) {
				return true
			}
		}
	}
	return false
}

// pointIn 边界上的点算命中
func pointIn(p orb.Point, b orb.Bound) bool {
	return p[0] >= b.Min[0] && p[0] <= b.Max[0] && p[1] >= b.Min[1] && p[1] <= b.Max[1]
}

func anyVertexIn(ls orb.LineString, b orb.Bound) bool {
	for _, p := range ls {
		if pointIn(p, b) {
			return true
		}
	}
	return false
}
