package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 key/策略/命中状态字段，供代理请求日志复用。
func RequestFields(method, resourceKey, policy, generation string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":       method,
		"resource_key": resourceKey,
		"policy":       policy,
		"generation":   generation,
		"cache_hit":    cacheHit,
	}
}

// LifecycleFields 描述 install/activate/message 等生命周期事件的公共字段。
func LifecycleFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
