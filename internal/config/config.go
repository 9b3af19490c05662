package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Conf 全局配置
type Conf struct {
	App struct {
		Version string `mapstructure:"version"`
		Title   string `mapstructure:"title"`
	} `mapstructure:"app"`
	Server struct {
		Addr      string `mapstructure:"addr"`
		PublicURL string `mapstructure:"publicURL"`
		StaticDir string `mapstructure:"staticDir"`
	} `mapstructure:"server"`
	Log struct {
		Dir      string `mapstructure:"dir"`
		Terminal bool   `mapstructure:"terminal"`
	} `mapstructure:"log"`
	Tiles struct {
		Dirs       []string `mapstructure:"dirs"`
		CacheSize  int      `mapstructure:"cacheSize"`
		CacheTTL   int      `mapstructure:"cacheTTL"` // 秒
		Workers    int      `mapstructure:"workers"`
		DeadlineMs int      `mapstructure:"deadlineMs"`
	} `mapstructure:"tiles"`
	Census struct {
		Gpkg string `mapstructure:"gpkg"`
	} `mapstructure:"census"`
}

// Load 读取配置文件并套用默认值
func Load(cfgFile string) (*Conf, error) {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("read config file(%s) error, details: %s\n", viper.ConfigFileUsed(), err)
	}

	// 设置默认值
	viper.SetDefault("app.version", "v0.1.0")
	viper.SetDefault("app.title", "KC Map Tiles")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.publicURL", "http://localhost:8080")
	viper.SetDefault("server.staticDir", "public")
	viper.SetDefault("log.terminal", true)
	// 优先处理后的瓦片目录，老目录排在后面
	viper.SetDefault("tiles.dirs", []string{"data/processed/tiles", "data/tiles", "tiles"})
	viper.SetDefault("tiles.cacheSize", 256)
	viper.SetDefault("tiles.cacheTTL", 3600)
	viper.SetDefault("tiles.workers", 4)
	viper.SetDefault("tiles.deadlineMs", 10000)
	viper.SetDefault("census.gpkg", "data/processed/census/kc_census.gpkg")

	var conf Conf
	if err := viper.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	return &conf, nil
}
