// Package mvt 实现矢量瓦片二进制格式的纯解码
// 只依赖字节游标，不做任何 I/O，便于用构造的字节串做单元测试
package mvt

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/paulmach/orb"
)

// DefaultExtent 图层未声明 extent 时的默认值
const DefaultExtent = 4096

// Layer 一个命名图层，要素保持文件内顺序
type Layer struct {
	Name     string
	Version  uint32
	Extent   uint32
	Features []*Feature
}

// Feature 单个要素，几何为瓦片内部整数坐标
type Feature struct {
	ID         uint64
	Geometry   orb.Geometry
	Properties map[string]interface{}
}

// geometry command id
const (
	cmdMoveTo    = 1
	cmdLineTo    = 2
	cmdClosePath = 7
)

var errTruncated = errors.New("mvt: truncated message")

// Decode 解析瓦片字节为有序图层集合
// 输入可能是 gzip 压缩的：先尝试解压，任何失败都静默按未压缩处理
func Decode(data []byte) ([]*Layer, error) {
	data = maybeGunzip(data)

	c := &cursor{buf: data}
	var layers []*Layer
	for !c.eof() {
		tag, wire, err := c.tag()
		if err != nil {
			return nil, err
		}
		if tag == 3 && wire == 2 {
			raw, err := c.bytes()
			if err != nil {
				return nil, err
			}
			layer, err := decodeLayer(raw)
			if err != nil {
				return nil, err
			}
			layers = append(layers, layer)
			continue
		}
		if err := c.skip(wire); err != nil {
			return nil, err
		}
	}
	return layers, nil
}

func maybeGunzip(data []byte) []byte {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return data
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		return data
	}
	return out
}

func decodeLayer(buf []byte) (*Layer, error) {
	layer := &Layer{Extent: DefaultExtent}
	var rawFeatures [][]byte
	var keys []string
	var values []interface{}

	c := &cursor{buf: buf}
	for !c.eof() {
		tag, wire, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch {
		case tag == 1 && wire == 2:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			layer.Name = string(b)
		case tag == 2 && wire == 2:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			rawFeatures = append(rawFeatures, b)
		case tag == 3 && wire == 2:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			keys = append(keys, string(b))
		case tag == 4 && wire == 2:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(b)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		case tag == 5 && wire == 0:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			layer.Extent = uint32(v)
		case tag == 15 && wire == 0:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			layer.Version = uint32(v)
		default:
			if err := c.skip(wire); err != nil {
				return nil, err
			}
		}
	}

	// keys/values 可能排在要素之后，所以整层扫完再解要素
	for _, raw := range rawFeatures {
		f, err := decodeFeature(raw, keys, values)
		if err != nil {
			return nil, err
		}
		layer.Features = append(layer.Features, f)
	}
	return layer, nil
}

func decodeFeature(buf []byte, keys []string, values []interface{}) (*Feature, error) {
	f := &Feature{Properties: make(map[string]interface{})}
	var geomType uint64
	var commands []uint32

	c := &cursor{buf: buf}
	for !c.eof() {
		tag, wire, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch {
		case tag == 1 && wire == 0:
			if f.ID, err = c.varint(); err != nil {
				return nil, err
			}
		case tag == 2 && wire == 2:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			if err := decodeTags(b, keys, values, f.Properties); err != nil {
				return nil, err
			}
		case tag == 3 && wire == 0:
			if geomType, err = c.varint(); err != nil {
				return nil, err
			}
		case tag == 4 && wire == 2:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			pc := &cursor{buf: b}
			for !pc.eof() {
				v, err := pc.varint()
				if err != nil {
					return nil, err
				}
				commands = append(commands, uint32(v))
			}
		default:
			if err := c.skip(wire); err != nil {
				return nil, err
			}
		}
	}

	geom, err := assembleGeometry(geomType, commands)
	if err != nil {
		return nil, err
	}
	f.Geometry = geom
	return f, nil
}

// decodeTags 标签是 key/value 下标交替的 packed varint
func decodeTags(buf []byte, keys []string, values []interface{}, props map[string]interface{}) error {
	c := &cursor{buf: buf}
	for !c.eof() {
		ki, err := c.varint()
		if err != nil {
			return err
		}
		if c.eof() {
			return errTruncated
		}
		vi, err := c.varint()
		if err != nil {
			return err
		}
		if ki >= uint64(len(keys)) || vi >= uint64(len(values)) {
			return fmt.Errorf("mvt: tag index out of range (%d,%d)", ki, vi)
		}
		props[keys[ki]] = values[vi]
	}
	return nil
}

func decodeValue(buf []byte) (interface{}, error) {
	c := &cursor{buf: buf}
	var out interface{}
	for !c.eof() {
		tag, wire, err := c.tag()
		if err != nil {
			return nil, err
		}
		switch {
		case tag == 1 && wire == 2:
			b, err := c.bytes()
			if err != nil {
				return nil, err
			}
			out = string(b)
		case tag == 2 && wire == 5:
			v, err := c.fixed32()
			if err != nil {
				return nil, err
			}
			out = float64(math.Float32frombits(v))
		case tag == 3 && wire == 1:
			v, err := c.fixed64()
			if err != nil {
				return nil, err
			}
			out = math.Float64frombits(v)
		case tag == 4 && wire == 0:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			out = int64(v)
		case tag == 5 && wire == 0:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			out = v
		case tag == 6 && wire == 0:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			out = unzigzag(v)
		case tag == 7 && wire == 0:
			v, err := c.varint()
			if err != nil {
				return nil, err
			}
			out = v != 0
		default:
			if err := c.skip(wire); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// assembleGeometry 按几何类型回放 move/line/close 命令流
func assembleGeometry(geomType uint64, commands []uint32) (orb.Geometry, error) {
	steps, err := replay(commands)
	if err != nil {
		return nil, err
	}
	switch geomType {
	case 1:
		var pts orb.MultiPoint
		for _, s := range steps {
			if s.cmd == cmdMoveTo {
				pts = append(pts, s.pts...)
			}
		}
		if len(pts) == 1 {
			return pts[0], nil
		}
		return pts, nil
	case 2:
		var lines orb.MultiLineString
		var cur orb.LineString
		for _, s := range steps {
			switch s.cmd {
			case cmdMoveTo:
				if len(cur) > 1 {
					lines = append(lines, cur)
				}
				cur = append(orb.LineString{}, s.pts...)
			case cmdLineTo:
				cur = append(cur, s.pts...)
			}
		}
		if len(cur) > 1 {
			lines = append(lines, cur)
		}
		if len(lines) == 1 {
			return lines[0], nil
		}
		return lines, nil
	case 3:
		return assemblePolygons(steps)
	}
	return nil, fmt.Errorf("mvt: unknown geometry type %d", geomType)
}

// assemblePolygons 外环（正面积）开新多边形，内环挂到当前多边形
func assemblePolygons(steps []geomStep) (orb.Geometry, error) {
	var polys orb.MultiPolygon
	var ring orb.Ring
	flush := func() {
		if len(ring) < 3 {
			ring = nil
			return
		}
		closed := append(orb.Ring{}, ring...)
		if closed[0] != closed[len(closed)-1] {
			closed = append(closed, closed[0])
		}
		if signedArea(closed) >= 0 || len(polys) == 0 {
			polys = append(polys, orb.Polygon{closed})
		} else {
			polys[len(polys)-1] = append(polys[len(polys)-1], closed)
		}
		ring = nil
	}
	for _, s := range steps {
		switch s.cmd {
		case cmdMoveTo:
			flush()
			ring = append(orb.Ring{}, s.pts...)
		case cmdLineTo:
			ring = append(ring, s.pts...)
		case cmdClosePath:
			flush()
		}
	}
	flush()
	if len(polys) == 1 {
		return polys[0], nil
	}
	return polys, nil
}

// signedArea 瓦片坐标系 y 向下，外环面积为正
func signedArea(ring orb.Ring) float64 {
	var sum float64
	for i := 0; i < len(ring)-1; i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return sum / 2
}

type geomStep struct {
	cmd uint32
	pts []orb.Point
}

// replay 把命令流展开成绝对坐标步骤
func replay(commands []uint32) ([]geomStep, error) {
	var steps []geomStep
	var cx, cy int64
	i := 0
	for i < len(commands) {
		cmd := commands[i] & 0x7
		count := int(commands[i] >> 3)
		i++
		switch cmd {
		case cmdMoveTo, cmdLineTo:
			if i+count*2 > len(commands) {
				return nil, errTruncated
			}
			step := geomStep{cmd: cmd}
			for j := 0; j < count; j++ {
				cx += unzigzag(uint64(commands[i]))
				cy += unzigzag(uint64(commands[i+1]))
				i += 2
				step.pts = append(step.pts, orb.Point{float64(cx), float64(cy)})
			}
			steps = append(steps, step)
		case cmdClosePath:
			steps = append(steps, geomStep{cmd: cmd})
		default:
			return nil, fmt.Errorf("mvt: unknown geometry command %d", cmd)
		}
	}
	return steps, nil
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
