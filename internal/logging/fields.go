package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供策略/来源/命中状态字段，供边缘缓存请求日志复用。
func RequestFields(method, path, strategy, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":    method,
		"path":      path,
		"strategy":  strategy,
		"source":    source,
		"cache_hit": cacheHit,
	}
}

// NamespaceFields 描述命名空间生命周期事件（安装、激活、清理）。
func NamespaceFields(action, namespace string) logrus.Fields {
	return logrus.Fields{
		"action":    action,
		"namespace": namespace,
	}
}
