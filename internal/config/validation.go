package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/offcache/offcache/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := &c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	driver := strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if !supportedDriver(driver) {
		return newFieldError("Global.StorageDriver", "仅支持 "+strings.Join(cache.Drivers(), "|"))
	}
	g.StorageDriver = driver
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LogMaxSize < 0 || g.LogMaxBackups < 0 {
		return newFieldError("Global.LogMaxSize/LogMaxBackups", "不能为负数")
	}

	a := &c.Agent
	if err := validateOrigin(a.Origin); err != nil {
		return newFieldError("Agent.Origin", err.Error())
	}
	if a.UpdateInterval.DurationValue() < 0 {
		return newFieldError("Agent.UpdateInterval", "不能为负数")
	}
	if a.InstallConcurrency <= 0 {
		return newFieldError("Agent.InstallConcurrency", "必须大于 0")
	}
	return nil
}

func supportedDriver(driver string) bool {
	for _, d := range cache.Drivers() {
		if d == driver {
			return true
		}
	}
	return false
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
