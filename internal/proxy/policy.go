package proxy

import (
	"net/http"

	"github.com/kitchen-assistant/kitchen-cache/internal/cache"
)

type interceptMode int

const (
	modePassThrough interceptMode = iota
	modeNetworkFirst
)

// decision 记录一次拦截的处理方式；reason 仅用于日志。
type decision struct {
	mode      interceptMode
	reason    string
	cacheName string
	bucket    cache.Bucket
}

// 直通原因。
const (
	reasonMethod   = "method"
	reasonBypass   = "bypass_marker"
	reasonInactive = "no_active_version"
)

// decide 判断请求是否由缓存层接管：只有 GET、未命中绕过片段且已有服务版本时才接管。
func (w *Worker) decide(method, target string) decision {
	name, bucket, ok := w.Active()
	switch {
	case method != http.MethodGet:
		return decision{mode: modePassThrough, reason: reasonMethod, cacheName: name}
	case w.isBypassed(target):
		return decision{mode: modePassThrough, reason: reasonBypass, cacheName: name}
	case !ok:
		return decision{mode: modePassThrough, reason: reasonInactive}
	}
	return decision{mode: modeNetworkFirst, cacheName: name, bucket: bucket}
}
