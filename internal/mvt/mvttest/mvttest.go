// Package mvttest 构造矢量瓦片字节串的测试辅助编码器
package mvttest

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math"
	"sort"
)

// Layer 待编码图层
type Layer struct {
	Name     string
	Extent   uint32
	Features []Feature
}

// Feature 待编码要素；Commands 是原始几何命令流
type Feature struct {
	Type     uint64 // 1 point, 2 linestring, 3 polygon
	Commands []uint32
	Props    map[string]interface{}
}

// Cmd 组装一条几何命令字
func Cmd(id, count uint32) uint32 {
	return id&0x7 | count<<3
}

// ZZ zigzag 编码一个坐标增量
func ZZ(v int32) uint32 {
	return uint32(v<<1) ^ uint32(v>>31)
}

// PointGeom 单点命令流，坐标为绝对瓦片坐标
func PointGeom(x, y int32) []uint32 {
	return []uint32{Cmd(1, 1), ZZ(x), ZZ(y)}
}

// SquareGeom 以 (x,y) 为左上角、边长 size 的闭合正方形环
func SquareGeom(x, y, size int32) []uint32 {
	return []uint32{
		Cmd(1, 1), ZZ(x), ZZ(y),
		Cmd(2, 3), ZZ(size), ZZ(0), ZZ(0), ZZ(size), ZZ(-size), ZZ(0),
		Cmd(7, 0),
	}
}

// LineGeom 从 (x,y) 出发按增量画折线
func LineGeom(x, y int32, deltas ...int32) []uint32 {
	out := []uint32{Cmd(1, 1), ZZ(x), ZZ(y), Cmd(2, uint32(len(deltas)/2))}
	for _, d := range deltas {
		out = append(out, ZZ(d))
	}
	return out
}

// Encode 编码整块瓦片
func Encode(layers ...Layer) []byte {
	var out []byte
	for _, l := range layers {
		out = appendBytesField(out, 3, encodeLayer(l))
	}
	return out
}

// Gzip 压缩字节串
func Gzip(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}

func encodeLayer(l Layer) []byte {
	// 键值表按键名排序去重，保证编码确定
	keyIdx := make(map[string]uint64)
	var keys []string
	var values [][]byte
	valIdx := make(map[string]uint64)

	featKeys := make([][]string, len(l.Features))
	for i, f := range l.Features {
		var ks []string
		for k := range f.Props {
			ks = append(ks, k)
		}
		sort.Strings(ks)
		featKeys[i] = ks
		for _, k := range ks {
			if _, ok := keyIdx[k]; !ok {
				keyIdx[k] = uint64(len(keys))
				keys = append(keys, k)
			}
			vb := encodeValue(f.Props[k])
			if _, ok := valIdx[string(vb)]; !ok {
				valIdx[string(vb)] = uint64(len(values))
				values = append(values, vb)
			}
		}
	}

	var out []byte
	out = appendBytesField(out, 1, []byte(l.Name))
	for i, f := range l.Features {
		var fb []byte
		var tags []byte
		for _, k := range featKeys[i] {
			tags = appendVarint(tags, keyIdx[k])
			tags = appendVarint(tags, valIdx[string(encodeValue(f.Props[k]))])
		}
		if len(tags) > 0 {
			fb = appendBytesField(fb, 2, tags)
		}
		fb = appendTag(fb, 3, 0)
		fb = appendVarint(fb, f.Type)
		var geom []byte
		for _, c := range f.Commands {
			geom = appendVarint(geom, uint64(c))
		}
		fb = appendBytesField(fb, 4, geom)
		out = appendBytesField(out, 2, fb)
	}
	for _, k := range keys {
		out = appendBytesField(out, 3, []byte(k))
	}
	for _, v := range values {
		out = appendBytesField(out, 4, v)
	}
	if l.Extent != 0 {
		out = appendTag(out, 5, 0)
		out = appendVarint(out, uint64(l.Extent))
	}
	out = appendTag(out, 15, 0)
	out = appendVarint(out, 2)
	return out
}

func encodeValue(v interface{}) []byte {
	var out []byte
	switch val := v.(type) {
	case nil:
		// 空 Value 消息，解码为 nil
	case string:
		out = appendBytesField(out, 1, []byte(val))
	case float64:
		out = appendTag(out, 3, 1)
		var fixed [8]byte
		binary.LittleEndian.PutUint64(fixed[:], math.Float64bits(val))
		out = append(out, fixed[:]...)
	case int64:
		out = appendTag(out, 4, 0)
		out = appendVarint(out, uint64(val))
	case uint64:
		out = appendTag(out, 5, 0)
		out = appendVarint(out, val)
	case bool:
		out = appendTag(out, 7, 0)
		if val {
			out = appendVarint(out, 1)
		} else {
			out = appendVarint(out, 0)
		}
	default:
		panic("mvttest: unsupported value type")
	}
	return out
}

func appendTag(b []byte, field, wire uint64) []byte {
	return appendVarint(b, field<<3|wire)
}

func appendBytesField(b []byte, field uint64, data []byte) []byte {
	b = appendTag(b, field, 2)
	b = appendVarint(b, uint64(len(data)))
	return append(b, data...)
}

func appendVarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}
