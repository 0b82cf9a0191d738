package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 scope/domain/缓存键/策略/命中状态字段，供拦截器请求日志复用。
func RequestFields(scope, domain, key, policy string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"scope":     scope,
		"domain":    domain,
		"key":       key,
		"policy":    policy,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 提供生命周期日志的公共字段。
func LifecycleFields(action, scope, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"scope":   scope,
		"version": version,
		"state":   state,
	}
}
