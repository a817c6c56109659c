package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供缓存版本/请求标识/处理结果字段，供拦截日志复用。
// outcome 取值 network、fallback、bypass、failed。
func RequestFields(cacheName, method, url, outcome string) logrus.Fields {
	return logrus.Fields{
		"cache_name": cacheName,
		"method":     method,
		"url":        url,
		"outcome":    outcome,
	}
}

// LifecycleFields 描述 install/activate 事件，state 为事件结束时的生命周期状态。
func LifecycleFields(event, cacheName, state string) logrus.Fields {
	return logrus.Fields{
		"action":     event,
		"cache_name": cacheName,
		"state":      state,
	}
}
