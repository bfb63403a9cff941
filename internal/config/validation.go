package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

// namespacePattern 限定命名空间名称可直接作为目录名使用。
var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	if err := c.Global.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	return c.API.validate()
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.Storage() {
	case StorageModeDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "disk 模式下不能为空")
		}
		if g.HotCacheEntries < 0 {
			return newFieldError("Global.HotCacheEntries", "不能为负数")
		}
	case StorageModeMemory:
	default:
		return newFieldError("Global.StorageMode", "仅支持 disk/memory")
	}
	if err := validateUpstream(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxBodySize <= 0 {
		return newFieldError("Global.MaxBodySize", "必须大于 0")
	}
	return nil
}

func (c CacheConfig) validate() error {
	if err := validateNamespace(cacheField("StaticCache"), c.StaticCache); err != nil {
		return err
	}
	if err := validateNamespace(cacheField("RuntimeCache"), c.RuntimeCache); err != nil {
		return err
	}
	if c.RuntimeCache == c.StaticCache {
		return newFieldError(cacheField("RuntimeCache"), "不能与 StaticCache 相同")
	}
	if c.ImageCache != "" {
		if err := validateNamespace(cacheField("ImageCache"), c.ImageCache); err != nil {
			return err
		}
		if c.ImageCache == c.StaticCache || c.ImageCache == c.RuntimeCache {
			return newFieldError(cacheField("ImageCache"), "不能与其它命名空间重名")
		}
		if c.ImageCacheMaxEntries < 0 {
			return newFieldError(cacheField("ImageCacheMaxEntries"), "不能为负数")
		}
	}

	seen := make(map[string]struct{}, len(c.Manifest))
	for _, entry := range c.Manifest {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(cacheField("Manifest"), fmt.Sprintf("路径必须以 / 开头: %q", entry))
		}
		if _, dup := seen[entry]; dup {
			return newFieldError(cacheField("Manifest"), fmt.Sprintf("重复路径: %s", entry))
		}
		seen[entry] = struct{}{}
	}

	if c.NetworkTimeout.DurationValue() <= 0 {
		return newFieldError(cacheField("NetworkTimeout"), "必须大于 0")
	}
	if c.WriteTimeout.DurationValue() <= 0 {
		return newFieldError(cacheField("WriteTimeout"), "必须大于 0")
	}

	switch c.TotalMiss() {
	case TotalMissFail:
	case TotalMissOfflinePage:
		if !strings.HasPrefix(c.OfflinePage, "/") {
			return newFieldError(cacheField("OfflinePage"), "offline-page 模式下必须是以 / 开头的路径")
		}
		if !slices.Contains(c.Manifest, c.OfflinePage) {
			return newFieldError(cacheField("OfflinePage"), "必须包含在 Manifest 中以便安装阶段预缓存")
		}
	default:
		return newFieldError(cacheField("OnTotalMiss"), "仅支持 fail/offline-page")
	}
	return nil
}

func (a APIConfig) validate() error {
	if a.FPLBaseURL != "" {
		if err := validateUpstream(a.FPLBaseURL); err != nil {
			return fmt.Errorf("%s: %w", apiField("FPLBaseURL"), err)
		}
	}
	if a.InferenceBaseURL != "" {
		if err := validateUpstream(a.InferenceBaseURL); err != nil {
			return fmt.Errorf("%s: %w", apiField("InferenceBaseURL"), err)
		}
	}
	return nil
}

func validateNamespace(field, name string) error {
	if name == "" {
		return newFieldError(field, "不能为空")
	}
	if !namespacePattern.MatchString(name) {
		return newFieldError(field, "仅允许字母、数字、点、下划线与连字符")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// OriginURL 返回解析后的源站地址，调用方应确保 Validate 已通过。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Global.Origin)
	if err != nil {
		return nil
	}
	return parsed
}
