package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供 cache_id/client/请求信息字段，供代理请求日志复用。
func FetchFields(cacheID, clientID, method, url string) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch",
		"cache_id":  cacheID,
		"client_id": clientID,
		"method":    method,
		"url":       url,
	}
}
