package projection

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// DefaultZoom 要素查询默认瓦片级别
const DefaultZoom = 14

// DefaultExtent 矢量瓦片默认坐标范围
const DefaultExtent = 4096

// TileBounds 计算瓦片 (z,x,y) 对应的经纬度范围
func TileBounds(z maptile.Zoom, x, y uint32) orb.Bound {
	n := float64(uint64(1) << z)
	return orb.Bound{
		Min: orb.Point{float64(x)/n*360 - 180, rowToLat(float64(y+1), n)},
		Max: orb.Point{float64(x+1)/n*360 - 180, rowToLat(float64(y), n)},
	}
}

// TilesForBounds 计算覆盖给定范围的瓦片集合
// 行列号裁剪到 [0, 2^zoom)，越界的直接丢弃；顺序固定为先 x 后 y 升序
func TilesForBounds(b orb.Bound, zoom maptile.Zoom) []maptile.Tile {
	n := float64(uint64(1) << zoom)
	limit := int64(uint64(1) << zoom)

	minX := int64(math.Floor((b.Min[0] + 180) / 360 * n))
	maxX := int64(math.Floor((b.Max[0] + 180) / 360 * n))
	// 纬度越大行号越小
	minY := int64(math.Floor(latToRow(b.Max[1]) * n))
	maxY := int64(math.Floor(latToRow(b.Min[1]) * n))

	minX = clamp(minX, limit)
	maxX = clamp(maxX, limit)
	minY = clamp(minY, limit)
	maxY = clamp(maxY, limit)

	var tiles []maptile.Tile
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			tiles = append(tiles, maptile.Tile{X: uint32(x), Y: uint32(y), Z: zoom})
		}
	}
	return tiles
}

// ToGeographic 把瓦片内部坐标的几何转换为经纬度几何
// extent 为该图层声明的瓦片坐标范围，0 时取默认值
func ToGeographic(g orb.Geometry, t maptile.Tile, extent uint32) orb.Geometry {
	if extent == 0 {
		extent = DefaultExtent
	}
	switch geom := g.(type) {
	case orb.Point:
		return tilePoint(geom, t, extent)
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(geom))
		for i, p := range geom {
			out[i] = tilePoint(p, t, extent)
		}
		return out
	case orb.LineString:
		return orb.LineString(tileLine(geom, t, extent))
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(geom))
		for i, ls := range geom {
			out[i] = orb.LineString(tileLine(ls, t, extent))
		}
		return out
	case orb.Polygon:
		return tilePolygon(geom, t, extent)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, poly := range geom {
			out[i] = tilePolygon(poly, t, extent)
		}
		return out
	}
	return g
}

func tilePolygon(poly orb.Polygon, t maptile.Tile, extent uint32) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		out[i] = orb.Ring(tileLine(orb.LineString(ring), t, extent))
	}
	return out
}

func tileLine(ls orb.LineString, t maptile.Tile, extent uint32) orb.LineString {
	out := make(orb.LineString, len(ls))
	for i, p := range ls {
		out[i] = tilePoint(p, t, extent)
	}
	return out
}

func tilePoint(p orb.Point, t maptile.Tile, extent uint32) orb.Point {
	n := float64(uint64(1) << t.Z)
	wx := (float64(t.X) + p[0]/float64(extent)) / n
	wy := (float64(t.Y) + p[1]/float64(extent)) / n
	lon := wx*360 - 180
	lat := math.Atan(math.Sinh(math.Pi*(1-2*wy))) * 180 / math.Pi
	return orb.Point{lon, lat}
}

// rowToLat 行号转纬度
func rowToLat(y, n float64) float64 {
	return math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180 / math.Pi
}

// latToRow 纬度转行号比例 [0,1]
func latToRow(lat float64) float64 {
	rad := lat * math.Pi / 180
	return (1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2
}

func clamp(v, limit int64) int64 {
	if v < 0 {
		return 0
	}
	if v > limit-1 {
		return limit - 1
	}
	return v
}
