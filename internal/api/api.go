// Package api HTTP 路由薄胶水，把请求参数翻译给核心组件
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"tileserv/internal/census"
	"tileserv/internal/extract"
	"tileserv/internal/tilecache"
	"tileserv/internal/tilestore"
)

// Server 路由处理器集合
type Server struct {
	cache     *tilecache.Cache
	extractor *extract.Extractor
	census    *census.Reader // 可以为 nil
	log       *logrus.Entry
}

// New 构造 API 服务
func New(cache *tilecache.Cache, extractor *extract.Extractor, cen *census.Reader, log *logrus.Logger) *Server {
	return &Server{
		cache:     cache,
		extractor: extractor,
		census:    cen,
		log:       log.WithField("comp", "api"),
	}
}

// Routes 注册全部路由
func (s *Server) Routes(staticDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /data/{source}/{z}/{x}/{y}", s.handleTile)
	mux.HandleFunc("GET /data/{file}", s.handleTileJSON)
	mux.HandleFunc("GET /api/features", s.handleFeatures)
	mux.HandleFunc("GET /api/census/{zip}", s.handleCensusZip)
	mux.HandleFunc("GET /api/census", s.handleCensusList)
	if staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}
	return mux
}

// handleTile GET /data/{source}/{z}/{x}/{y}.pbf
// 瓦片不存在返回 204，源不存在 404，其余失败 500
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	z, errZ := strconv.ParseUint(r.PathValue("z"), 10, 32)
	x, errX := strconv.ParseUint(r.PathValue("x"), 10, 32)
	y, errY := strconv.ParseUint(strings.TrimSuffix(r.PathValue("y"), ".pbf"), 10, 32)
	if errZ != nil || errX != nil || errY != nil {
		http.Error(w, "bad tile coordinate", http.StatusBadRequest)
		return
	}

	td, err := s.cache.GetTile(r.Context(), source, uint32(z), uint32(x), uint32(y))
	if err != nil {
		if errors.Is(err, tilestore.ErrSourceNotFound) {
			http.NotFound(w, r)
			return
		}
		s.log.WithError(err).Errorf("瓦片请求失败 %s %d/%d/%d", source, z, x, y)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for k, v := range td.Headers {
		w.Header().Set(k, v)
	}
	if td.Absent() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Write(td.Bytes)
}

// handleTileJSON GET /data/{source}.json
func (s *Server) handleTileJSON(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	if !strings.HasSuffix(file, ".json") {
		http.NotFound(w, r)
		return
	}
	source := strings.TrimSuffix(file, ".json")

	tj, err := s.cache.GetMetadata(source)
	if err != nil {
		if errors.Is(err, tilestore.ErrSourceNotFound) {
			http.NotFound(w, r)
			return
		}
		s.log.WithError(err).Errorf("元数据请求失败 %s", source)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, tj)
}

// handleFeatures GET /api/features?source=&layer=&bbox=w,s,e,n&zoom=&summaryBy=&where=K:V
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := extract.Options{
		Source:    q.Get("source"),
		Layer:     q.Get("layer"),
		SummaryBy: q.Get("summaryBy"),
	}
	if v := q.Get("zoom"); v != "" {
		if zoom, err := strconv.Atoi(v); err == nil {
			opts.Zoom = zoom
		}
	}
	if v := q.Get("bbox"); v != "" {
		b, err := parseBBox(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		opts.Bounds = b
	}
	for _, clause := range q["where"] {
		k, v, ok := strings.Cut(clause, ":")
		if !ok {
			http.Error(w, "bad where clause: "+clause, http.StatusBadRequest)
			return
		}
		if opts.Where == nil {
			opts.Where = make(map[string]interface{})
		}
		opts.Where[k] = v
	}

	res, err := s.extractor.GetOSMFeatures(r.Context(), opts)
	if err != nil {
		if errors.Is(err, extract.ErrMissingParameter) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.log.WithError(err).Error("要素查询失败")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if res.Summary != nil {
		writeJSON(w, res.Summary)
		return
	}
	writeJSON(w, res.Collection)
}

// handleCensusZip GET /api/census/{zip}
func (s *Server) handleCensusZip(w http.ResponseWriter, r *http.Request) {
	if s.census == nil {
		http.Error(w, "census data not available", http.StatusServiceUnavailable)
		return
	}
	row, err := s.census.Zipcode(r.Context(), r.PathValue("zip"))
	if err != nil {
		s.log.WithError(err).Error("普查查询失败")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if row == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, row)
}

// handleCensusList GET /api/census
func (s *Server) handleCensusList(w http.ResponseWriter, r *http.Request) {
	if s.census == nil {
		http.Error(w, "census data not available", http.StatusServiceUnavailable)
		return
	}
	zips, err := s.census.Zipcodes(r.Context())
	if err != nil {
		s.log.WithError(err).Error("普查列表失败")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, zips)
}

// parseBBox 解析 "minLon,minLat,maxLon,maxLat"
func parseBBox(v string) (*orb.Bound, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return nil, errors.New("bbox must be minLon,minLat,maxLon,maxLat")
	}
	var f [4]float64
	for i, p := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, errors.New("bbox must be numeric")
		}
		f[i] = val
	}
	return &orb.Bound{Min: orb.Point{f[0], f[1]}, Max: orb.Point{f[2], f[3]}}, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(v)
}
