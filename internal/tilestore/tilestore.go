// Package tilestore 负责把逻辑数据源名解析到瓦片档案文件路径
package tilestore

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

// ErrSourceNotFound 请求的数据源以及所有回退源都不存在
var ErrSourceNotFound = errors.New("tile source not found")

// knownArchives 已知档案文件名集合，按文件名映射源名
var knownArchives = []struct {
	name string
	file string
}{
	{"kc-enhanced", "kc-enhanced.mbtiles"},
	{"ks-mo", "ks-mo.mbtiles"},
	{"kansas-city", "kansas-city.mbtiles"},
}

// fallbackOrder 源名回退优先级，自上而下求值
// 先请求的源，再增强版区域源，最后基础源
var fallbackOrder = []string{"kc-enhanced", "ks-mo"}

// Source 逻辑数据源，启动发现之后不可变
type Source struct {
	Name string
	Path string
}

// Store 已发现源的只读集合
type Store struct {
	sources map[string]Source
}

// Discover 按目录顺序探测已知档案文件
// 同名文件第一个命中的目录生效，后续目录不覆盖
func Discover(dirs []string, log *logrus.Logger) []Source {
	found := make(map[string]Source)
	for _, dir := range dirs {
		for _, a := range knownArchives {
			if _, ok := found[a.name]; ok {
				continue
			}
			path := filepath.Join(dir, a.file)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			found[a.name] = Source{Name: a.name, Path: path}
			log.Infof("发现瓦片源 %s -> %s", a.name, path)
		}
	}
	if len(found) == 0 {
		log.Warnf("未发现任何瓦片档案，目录: %v", dirs)
	}

	sources := make([]Source, 0, len(found))
	for _, s := range found {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources
}

// New 用显式源集合构造，便于测试注入
func New(sources []Source) *Store {
	m := make(map[string]Source, len(sources))
	for _, s := range sources {
		m[s.Name] = s
	}
	return &Store{sources: m}
}

// Resolve 解析源名到档案路径
// 未命中时按回退优先级静默降级到更广的区域源
func (s *Store) Resolve(name string) (string, bool) {
	if src, ok := s.sources[name]; ok {
		return src.Path, true
	}
	for _, fb := range fallbackOrder {
		if src, ok := s.sources[fb]; ok {
			return src.Path, true
		}
	}
	return "", false
}

// Sources 返回按名字排序的源列表
func (s *Store) Sources() []Source {
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
