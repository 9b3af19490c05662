package mvt

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tileserv/internal/mvt/mvttest"
)

func TestDecodePointLayer(t *testing.T) {
	data := mvttest.Encode(mvttest.Layer{
		Name: "poi",
		Features: []mvttest.Feature{
			{
				Type:     1,
				Commands: mvttest.PointGeom(100, 200),
				Props: map[string]interface{}{
					"name":  "library",
					"count": int64(7),
					"open":  true,
				},
			},
		},
	})

	layers, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, layers, 1)

	layer := layers[0]
	assert.Equal(t, "poi", layer.Name)
	assert.Equal(t, uint32(DefaultExtent), layer.Extent)
	require.Len(t, layer.Features, 1)

	f := layer.Features[0]
	assert.Equal(t, orb.Point{100, 200}, f.Geometry)
	assert.Equal(t, "library", f.Properties["name"])
	assert.Equal(t, int64(7), f.Properties["count"])
	assert.Equal(t, true, f.Properties["open"])
}

func TestDecodeDeclaredExtent(t *testing.T) {
	data := mvttest.Encode(mvttest.Layer{
		Name:     "roads",
		Extent:   512,
		Features: []mvttest.Feature{{Type: 1, Commands: mvttest.PointGeom(1, 1)}},
	})

	layers, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), layers[0].Extent)
}

func TestDecodeLineString(t *testing.T) {
	data := mvttest.Encode(mvttest.Layer{
		Name: "roads",
		Features: []mvttest.Feature{
			{Type: 2, Commands: mvttest.LineGeom(10, 10, 5, 0, 0, 5)},
		},
	})

	layers, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, layers[0].Features, 1)

	want := orb.LineString{{10, 10}, {15, 10}, {15, 15}}
	assert.Equal(t, want, layers[0].Features[0].Geometry)
}

func TestDecodeMultiLineString(t *testing.T) {
	cmds := append(mvttest.LineGeom(0, 0, 10, 0), mvttest.LineGeom(20, 20, 0, 10)...)
	data := mvttest.Encode(mvttest.Layer{
		Name:     "roads",
		Features: []mvttest.Feature{{Type: 2, Commands: cmds}},
	})

	layers, err := Decode(data)
	require.NoError(t, err)

	// 第二段 MoveTo 的增量相对第一段终点累计
	want := orb.MultiLineString{
		{{0, 0}, {10, 0}},
		{{30, 20}, {30, 30}},
	}
	assert.Equal(t, want, layers[0].Features[0].Geometry)
}

func TestDecodePolygon(t *testing.T) {
	data := mvttest.Encode(mvttest.Layer{
		Name: "buildings",
		Features: []mvttest.Feature{
			{Type: 3, Commands: mvttest.SquareGeom(0, 0, 10)},
		},
	})

	layers, err := Decode(data)
	require.NoError(t, err)

	poly, ok := layers[0].Features[0].Geometry.(orb.Polygon)
	require.True(t, ok, "geometry type %T", layers[0].Features[0].Geometry)
	require.Len(t, poly, 1)
	ring := poly[0]
	require.Len(t, ring, 5)
	assert.Equal(t, ring[0], ring[len(ring)-1], "环必须闭合")
}

func TestDecodeLayerOrderPreserved(t *testing.T) {
	data := mvttest.Encode(
		mvttest.Layer{Name: "roads", Features: []mvttest.Feature{{Type: 1, Commands: mvttest.PointGeom(1, 1)}}},
		mvttest.Layer{Name: "buildings", Features: []mvttest.Feature{{Type: 1, Commands: mvttest.PointGeom(2, 2)}}},
	)

	layers, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, "roads", layers[0].Name)
	assert.Equal(t, "buildings", layers[1].Name)
}

func TestDecodeGzipInput(t *testing.T) {
	raw := mvttest.Encode(mvttest.Layer{
		Name:     "poi",
		Features: []mvttest.Feature{{Type: 1, Commands: mvttest.PointGeom(3, 4)}},
	})

	layers, err := Decode(mvttest.Gzip(raw))
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, orb.Point{3, 4}, layers[0].Features[0].Geometry)
}

func TestDecodeUncompressedFallback(t *testing.T) {
	// 未压缩输入走解压失败的静默回退路径
	raw := mvttest.Encode(mvttest.Layer{
		Name:     "poi",
		Features: []mvttest.Feature{{Type: 1, Commands: mvttest.PointGeom(3, 4)}},
	})

	layers, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, layers, 1)
}

func TestDecodeCorruptGzipStream(t *testing.T) {
	// gzip 头合法但流被截断：回退按原始字节解析，之后报解码错误而不是崩溃
	gz := mvttest.Gzip(mvttest.Encode(mvttest.Layer{Name: "poi"}))
	corrupt := gz[:len(gz)-6]

	_, err := Decode(corrupt)
	assert.Error(t, err)
}

func TestDecodeNullAndNumericValues(t *testing.T) {
	data := mvttest.Encode(mvttest.Layer{
		Name: "parcels",
		Features: []mvttest.Feature{
			{
				Type:     1,
				Commands: mvttest.PointGeom(0, 0),
				Props: map[string]interface{}{
					"TYPE": nil,
					"area": 12.5,
					"id":   uint64(42),
				},
			},
		},
	})

	layers, err := Decode(data)
	require.NoError(t, err)

	props := layers[0].Features[0].Properties
	assert.Nil(t, props["TYPE"])
	assert.Equal(t, 12.5, props["area"])
	assert.Equal(t, uint64(42), props["id"])
}

func TestDecodeTruncatedInput(t *testing.T) {
	data := mvttest.Encode(mvttest.Layer{
		Name:     "poi",
		Features: []mvttest.Feature{{Type: 1, Commands: mvttest.PointGeom(9, 9)}},
	})

	_, err := Decode(data[:len(data)-3])
	assert.Error(t, err)
}
