package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"tileserv/internal/api"
	"tileserv/internal/census"
	"tileserv/internal/config"
	"tileserv/internal/extract"
	"tileserv/internal/logger"
	"tileserv/internal/tilecache"
	"tileserv/internal/tilestore"
)

func main() {
	// 初始化控制台
	InitFlag()
	// 开始安全退出任务
	InitSafeExit()

	_ = godotenv.Load(".env")

	// 初始化配置
	conf, err := config.Load(configPath)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	// 初始化日志
	log := logger.New(conf.Log.Dir, conf.Log.Terminal, logLevel)
	log.Infof("%s %s", conf.App.Title, conf.App.Version)

	// 启动时发现一次数据源，之后不再变化
	sources := tilestore.Discover(conf.Tiles.Dirs, log)
	store := tilestore.New(sources)

	cache := tilecache.New(store, tilecache.DefaultOpener, tilecache.Config{
		MaxSize:   conf.Tiles.CacheSize,
		TTL:       time.Duration(conf.Tiles.CacheTTL) * time.Second,
		PublicURL: conf.Server.PublicURL,
	}, log)

	extractor := extract.New(cache, conf.Tiles.Workers,
		time.Duration(conf.Tiles.DeadlineMs)*time.Millisecond, log)

	// 普查数据是可选的，打不开只降级不退出
	var cen *census.Reader
	if conf.Census.Gpkg != "" {
		if c, err := census.Open(conf.Census.Gpkg); err != nil {
			log.WithError(err).Warnf("普查数据不可用 %s", conf.Census.Gpkg)
		} else {
			cen = c
		}
	}

	srv := &http.Server{
		Addr:    conf.Server.Addr,
		Handler: api.New(cache, extractor, cen, log).Routes(conf.Server.StaticDir),
	}

	SafeExitInst.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		cache.Close()
		if cen != nil {
			cen.Close()
		}
		log.Info("服务已安全退出")
	})

	log.Infof("监听 %s", conf.Server.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
