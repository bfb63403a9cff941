package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "3s"、"500ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// StorageMode 决定缓存命名空间落盘还是仅驻留内存。
type StorageMode string

const (
	StorageModeDisk   StorageMode = "disk"
	StorageModeMemory StorageMode = "memory"
)

// TotalMissPolicy 描述网络与缓存同时落空时的处理方式。
type TotalMissPolicy string

const (
	TotalMissFail        TotalMissPolicy = "fail"
	TotalMissOfflinePage TotalMissPolicy = "offline-page"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、存储与上游。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageMode     string   `mapstructure:"StorageMode"`
	StoragePath     string   `mapstructure:"StoragePath"`
	HotCacheEntries int      `mapstructure:"HotCacheEntries"`
	Origin          string   `mapstructure:"Origin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	MaxBodySize     int64    `mapstructure:"MaxBodySize"`
}

// CacheConfig 对应 [Cache] 段，声明命名空间名称、预缓存清单与策略参数。
// 命名空间名称必须随部署内容变化，旧名称会在激活阶段被清理。
type CacheConfig struct {
	StaticCache          string   `mapstructure:"StaticCache"`
	RuntimeCache         string   `mapstructure:"RuntimeCache"`
	ImageCache           string   `mapstructure:"ImageCache"`
	ImageCacheMaxEntries int      `mapstructure:"ImageCacheMaxEntries"`
	Manifest             []string `mapstructure:"Manifest"`
	StaticExtensions     []string `mapstructure:"StaticExtensions"`
	ImageExtensions      []string `mapstructure:"ImageExtensions"`
	BypassHosts          []string `mapstructure:"BypassHosts"`
	NetworkTimeout       Duration `mapstructure:"NetworkTimeout"`
	WriteTimeout         Duration `mapstructure:"WriteTimeout"`
	OnTotalMiss          string   `mapstructure:"OnTotalMiss"`
	OfflinePage          string   `mapstructure:"OfflinePage"`

	// AllowClear 开启 POST /-/caches/clear，该接口无鉴权，默认关闭。
	AllowClear bool `mapstructure:"AllowClear"`
}

// APIConfig 对应 [API] 段，描述站点附带的轻量代理接口。
type APIConfig struct {
	AllowOrigin      string `mapstructure:"AllowOrigin"`
	FPLBaseURL       string `mapstructure:"FPLBaseURL"`
	InferenceBaseURL string `mapstructure:"InferenceBaseURL"`
	InferenceToken   string `mapstructure:"InferenceToken"`
	UsersFile        string `mapstructure:"UsersFile"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
	API    APIConfig    `mapstructure:"API"`
}

// Storage 返回标准化后的存储模式。
func (g GlobalConfig) Storage() StorageMode {
	return StorageMode(strings.ToLower(strings.TrimSpace(g.StorageMode)))
}

// TotalMiss 返回标准化后的全落空策略。
func (c CacheConfig) TotalMiss() TotalMissPolicy {
	return TotalMissPolicy(strings.ToLower(strings.TrimSpace(c.OnTotalMiss)))
}

// NamespaceNames 返回当前版本引用的全部命名空间名称，image 未启用时省略。
func (c CacheConfig) NamespaceNames() []string {
	names := []string{c.StaticCache, c.RuntimeCache}
	if c.ImageCache != "" {
		names = append(names, c.ImageCache)
	}
	return names
}

// HasInference 表示是否配置了推理代理的上游。
func (a APIConfig) HasInference() bool {
	return a.InferenceBaseURL != ""
}
