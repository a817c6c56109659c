package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/kitchen-assistant/kitchen-cache/internal/cache"
	"github.com/kitchen-assistant/kitchen-cache/internal/logging"
	"github.com/kitchen-assistant/kitchen-cache/internal/server"
)

// 响应头 X-Kitchen-Cache 的取值。
const (
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeBypass   = "bypass"
	OutcomeFailed   = "failed"
)

// CacheHeader 标识响应来自网络、缓存回退还是直通。
const CacheHeader = "X-Kitchen-Cache"

// Handler 负责拦截请求：直通、网络优先并写缓存、网络失败时回退到缓存。
type Handler struct {
	worker *Worker
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs the intercepting handler on top of a worker.
func NewHandler(worker *Worker, client *http.Client, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		worker: worker,
		client: client,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	target := h.worker.absoluteURL(c.OriginalURL())

	d := h.worker.decide(c.Method(), target)
	if d.mode == modePassThrough {
		return h.passThrough(c, target, d, requestID, started)
	}
	return h.networkFirst(c, target, d, requestID, started)
}

// passThrough 原样转发到源站，不读写缓存，响应体直接流式返回。
func (h *Handler) passThrough(c fiber.Ctx, target string, d decision, requestID string, started time.Time) error {
	req, err := h.buildUpstreamRequest(c, target)
	if err != nil {
		h.logResult(c, d, target, OutcomeBypass, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(c, d, target, OutcomeBypass, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(CacheHeader, OutcomeBypass)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, d, target, OutcomeBypass, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, d, target, OutcomeBypass, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// networkFirst 先请求网络；任何网络响应都返回给调用方并在后台写入服务 bucket，
// 网络失败时按请求标识在缓存中查找。
func (h *Handler) networkFirst(c fiber.Ctx, target string, d decision, requestID string, started time.Time) error {
	key := cache.NewRequestKey(c.Method(), target)

	resp, err := h.fetch(c, target)
	if err == nil {
		h.worker.writer.PutAsync(d.bucket, key, resp)
		h.logResult(c, d, target, OutcomeNetwork, requestID, resp.Status, started, nil)
		return writeStoredResponse(c, resp, OutcomeNetwork)
	}
	networkErr := err

	cached, from, err := cache.Match(requestContext(c), h.worker.Storage(), key, d.cacheName)
	if err == nil {
		h.logger.WithFields(h.requestFields(c, from, target, OutcomeFallback, requestID)).
			WithField("network_error", networkErr.Error()).
			Warn("network failed, served from cache")
		return writeStoredResponse(c, *cached, OutcomeFallback)
	}

	if !errors.Is(err, cache.ErrNotFound) {
		networkErr = fmt.Errorf("%w; cache lookup: %v", networkErr, err)
	}
	h.logResult(c, d, target, OutcomeFailed, requestID, 0, started, networkErr)
	c.Set(CacheHeader, OutcomeFailed)
	return h.writeError(c, fiber.StatusBadGateway, "offline_cache_miss")
}

// fetch 请求网络并缓冲整个响应体；读取响应体失败同样视为网络失败。
func (h *Handler) fetch(c fiber.Ctx, target string) (cache.Response, error) {
	req, err := h.buildUpstreamRequest(c, target)
	if err != nil {
		return cache.Response{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return cache.Response{}, err
	}
	defer resp.Body.Close()
	return readResponse(resp)
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, target string) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(requestContext(c), c.Method(), target, body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Content-Length")
	req.Host = req.URL.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) requestFields(c fiber.Ctx, cacheName, target, outcome, requestID string) logrus.Fields {
	fields := logging.RequestFields(cacheName, c.Method(), target, outcome)
	fields["action"] = "intercept"
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func (h *Handler) logResult(
	c fiber.Ctx,
	d decision,
	target string,
	outcome string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := h.requestFields(c, d.cacheName, target, outcome, requestID)
	if d.reason != "" {
		fields["reason"] = d.reason
	}
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

// readResponse 读取完整响应体，得到可同时返回给调用方与写入缓存的副本。
func readResponse(resp *http.Response) (cache.Response, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Response{}, fmt.Errorf("read body: %w", err)
	}
	return cache.Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

func writeStoredResponse(c fiber.Ctx, resp cache.Response, outcome string) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(CacheHeader, outcome)
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// requestContext 返回请求上下文，只在请求处理期间使用。
func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 透传多值头部；Content-Length 由 fasthttp 按实际响应体计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
