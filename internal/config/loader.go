package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultManifest 是安装阶段必须全部抓取成功的关键资源。
var DefaultManifest = []string{
	"/",
	"/index-optimized.html",
	"/optimized-styles.css",
	"/optimized-loader.js",
	"/eplnewshubnewlogo.png",
	"/manifest.json",
}

// DefaultStaticExtensions 命中后走 cache-first。
var DefaultStaticExtensions = []string{"js", "css", "png", "jpg", "jpeg", "gif", "svg", "webp", "woff", "woff2"}

// DefaultImageExtensions 在启用 ImageCache 时决定哪些静态资源写入图片命名空间。
var DefaultImageExtensions = []string{"png", "jpg", "jpeg", "gif", "svg", "webp"}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	applyAPIDefaults(&cfg.API)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.Storage() == StorageModeDisk {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}
	if cfg.API.UsersFile != "" {
		absUsers, err := filepath.Abs(cfg.API.UsersFile)
		if err != nil {
			return nil, fmt.Errorf("无法解析用户文件路径: %w", err)
		}
		cfg.API.UsersFile = absUsers
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageMode", string(StorageModeDisk))
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("HotCacheEntries", 256)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxBodySize", 32*1024*1024)

	v.SetDefault("Cache.StaticCache", "epl-news-v1")
	v.SetDefault("Cache.RuntimeCache", "epl-runtime-v1")
	v.SetDefault("Cache.ImageCacheMaxEntries", 50)
	v.SetDefault("Cache.Manifest", DefaultManifest)
	v.SetDefault("Cache.StaticExtensions", DefaultStaticExtensions)
	v.SetDefault("Cache.ImageExtensions", DefaultImageExtensions)
	v.SetDefault("Cache.NetworkTimeout", "3s")
	v.SetDefault("Cache.WriteTimeout", "10s")
	v.SetDefault("Cache.OnTotalMiss", string(TotalMissFail))
	v.SetDefault("Cache.OfflinePage", "/offline.html")
	v.SetDefault("Cache.AllowClear", false)

	v.SetDefault("API.AllowOrigin", "*")
	v.SetDefault("API.FPLBaseURL", "https://fantasy.premierleague.com/api")
	v.SetDefault("API.UsersFile", "./data/users.json")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.StorageMode) == "" {
		g.StorageMode = string(StorageModeDisk)
	}
	g.StorageMode = string(g.Storage())
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxBodySize == 0 {
		g.MaxBodySize = 32 * 1024 * 1024
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
}

func applyCacheDefaults(c *CacheConfig) {
	c.StaticCache = strings.TrimSpace(c.StaticCache)
	c.RuntimeCache = strings.TrimSpace(c.RuntimeCache)
	c.ImageCache = strings.TrimSpace(c.ImageCache)
	if c.NetworkTimeout.DurationValue() == 0 {
		c.NetworkTimeout = Duration(3 * time.Second)
	}
	if c.WriteTimeout.DurationValue() == 0 {
		c.WriteTimeout = Duration(10 * time.Second)
	}
	if strings.TrimSpace(c.OnTotalMiss) == "" {
		c.OnTotalMiss = string(TotalMissFail)
	}
	c.OnTotalMiss = string(c.TotalMiss())
	if len(c.StaticExtensions) == 0 {
		c.StaticExtensions = append([]string(nil), DefaultStaticExtensions...)
	}
	if len(c.ImageExtensions) == 0 {
		c.ImageExtensions = append([]string(nil), DefaultImageExtensions...)
	}
	c.StaticExtensions = normalizeExtensions(c.StaticExtensions)
	c.ImageExtensions = normalizeExtensions(c.ImageExtensions)
	for i, host := range c.BypassHosts {
		c.BypassHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func applyAPIDefaults(a *APIConfig) {
	a.FPLBaseURL = strings.TrimRight(strings.TrimSpace(a.FPLBaseURL), "/")
	a.InferenceBaseURL = strings.TrimRight(strings.TrimSpace(a.InferenceBaseURL), "/")
	if a.AllowOrigin == "" {
		a.AllowOrigin = "*"
	}
}

// normalizeExtensions 去掉前导点并转小写，".WOFF2" 与 "woff2" 等价。
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			out = append(out, ext)
		}
	}
	return out
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
