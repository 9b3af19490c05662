// tilewarm 预热瓦片缓存并顺带校验档案健康度
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	pb "gopkg.in/cheggaaa/pb.v1"

	"tileserv/internal/config"
	"tileserv/internal/logger"
	"tileserv/internal/projection"
	"tileserv/internal/tilecache"
	"tileserv/internal/tilestore"
)

var (
	configPath string
	logLevel   string
	sourceName string
	bboxStr    string
	minZoom    int
	maxZoom    int
)

func main() {
	flag.StringVar(&configPath, "c", "./conf/conf.toml", "set config `file`")
	flag.StringVar(&logLevel, "l", "info", "set log level")
	flag.StringVar(&sourceName, "source", "kc-enhanced", "tile source name")
	flag.StringVar(&bboxStr, "bbox", "-95.8,38.8,-94.3,39.5", "minLon,minLat,maxLon,maxLat")
	flag.IntVar(&minZoom, "min", 10, "min zoom")
	flag.IntVar(&maxZoom, "max", 14, "max zoom")
	flag.Parse()

	conf, err := config.Load(configPath)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	log := logger.New(conf.Log.Dir, conf.Log.Terminal, logLevel)

	bounds, err := parseBBox(bboxStr)
	if err != nil {
		log.Fatalf("bbox 参数不合法: %s", err)
	}

	sources := tilestore.Discover(conf.Tiles.Dirs, log)
	store := tilestore.New(sources)
	cache := tilecache.New(store, tilecache.DefaultOpener, tilecache.Config{
		MaxSize:   conf.Tiles.CacheSize,
		TTL:       time.Duration(conf.Tiles.CacheTTL) * time.Second,
		PublicURL: conf.Server.PublicURL,
	}, log)
	defer cache.Close()

	start := time.Now()

	var total int64
	perZoom := make(map[int][]maptile.Tile)
	for z := minZoom; z <= maxZoom; z++ {
		tiles := projection.TilesForBounds(bounds, maptile.Zoom(z))
		perZoom[z] = tiles
		total += int64(len(tiles))
		log.Printf("zoom: %d, tiles: %d \n", z, len(tiles))
	}
	log.Printf("source: %s, total tiles: %d \n", sourceName, total)

	var warmed, absent, failed int64
	workers := make(chan struct{}, conf.Tiles.Workers)
	var wg sync.WaitGroup

	for z := minZoom; z <= maxZoom; z++ {
		bar := pb.New(len(perZoom[z])).Prefix(fmt.Sprintf("Zoom %d : ", z))
		bar.SetRefreshRate(time.Second)
		bar.Start()
		for _, t := range perZoom[z] {
			workers <- struct{}{}
			wg.Add(1)
			go func(t maptile.Tile) {
				defer func() {
					wg.Done()
					<-workers
				}()
				td, err := cache.GetTile(context.Background(), sourceName, uint32(t.Z), t.X, t.Y)
				switch {
				case err != nil:
					atomic.AddInt64(&failed, 1)
					log.Debugf("tile(z:%d, x:%d, y:%d) error ~ %s", t.Z, t.X, t.Y, err)
				case td.Absent():
					atomic.AddInt64(&absent, 1)
				default:
					atomic.AddInt64(&warmed, 1)
				}
				bar.Increment()
			}(t)
		}
		wg.Wait()
		bar.FinishPrint(fmt.Sprintf("Zoom %d finished ~", z))
	}

	secs := time.Since(start).Seconds()
	log.Printf("\n%.3fs finished, warmed: %d, absent: %d, failed: %d ...", secs, warmed, absent, failed)
}

func parseBBox(v string) (orb.Bound, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("need 4 numbers")
	}
	var f [4]float64
	for i, p := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, err
		}
		f[i] = val
	}
	return orb.Bound{Min: orb.Point{f[0], f[1]}, Max: orb.Point{f[2], f[3]}}, nil
}
