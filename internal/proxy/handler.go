package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/origin"
	"github.com/any-hub/offline-hub/internal/server"
)

// 拦截策略，写入 X-Offline-Hub-Policy 响应头与日志。
const (
	PolicyPassThrough = "pass-through"
	PolicyOnlineFirst = "online-first"
	PolicyCacheFirst  = "cache-first"
)

const (
	headerCacheHit = "X-Offline-Hub-Cache-Hit"
	headerPolicy   = "X-Offline-Hub-Policy"
)

// Handler 是 Fetch Interceptor：根据请求方法、worker 状态与清单决定透传、
// online-first 或 cache-first。缓存写入交给 BackgroundWriter，不阻塞响应。
type Handler struct {
	logger  *logrus.Logger
	metrics *metrics.Metrics
	misses  singleflight.Group
}

// NewHandler constructs the interceptor with shared logger/metrics.
func NewHandler(logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		logger:  logger,
		metrics: m,
	}
}

// fetched 是一次完整读取的源站响应，可在 singleflight 调用方之间共享。
type fetched struct {
	status int
	header http.Header
	body   []byte
}

// Decide 是纯函数：给出请求应采用的策略。
func Decide(method string, worker *lifecycle.Controller, key string) string {
	if method != http.MethodGet || worker == nil || !worker.Active() {
		return PolicyPassThrough
	}
	if !worker.Manifest().Has(key) {
		return PolicyPassThrough
	}
	if key == manifest.RootKey {
		return PolicyOnlineFirst
	}
	return PolicyCacheFirst
}

// Handle 执行策略选择与响应，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	worker := route.Worker()
	uri := c.Request().URI()
	key := manifest.NormalizeKey(string(uri.Path()), string(uri.QueryString()), route.Config.RoutePrefixes)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := &request{
		c:         c,
		route:     route,
		worker:    worker,
		key:       key,
		requestID: requestID,
		started:   started,
		ctx:       ctx,
	}
	switch req.policy = Decide(c.Method(), worker, key); req.policy {
	case PolicyOnlineFirst:
		return h.onlineFirst(req)
	case PolicyCacheFirst:
		return h.cacheFirst(req)
	default:
		return h.passThrough(req)
	}
}

type request struct {
	c         fiber.Ctx
	route     *server.ScopeRoute
	worker    *lifecycle.Controller
	key       string
	policy    string
	requestID string
	started   time.Time
	ctx       context.Context
}

func (r *request) locator() cache.Locator {
	return cache.Locator{Region: r.worker.Regions().Content, Key: r.key}
}

// passThrough 原样转发请求并流式返回响应，从不读写缓存。
func (h *Handler) passThrough(r *request) error {
	c := r.c
	uri := c.Request().URI()
	resp, err := r.route.Origin.Fetch(r.ctx, origin.Request{
		Method:   c.Method(),
		Path:     requestPath(c),
		RawQuery: string(uri.QueryString()),
		Header:   forwardHeaders(c),
		Body:     bytesReader(c.Body()),
	})
	if err != nil {
		h.observe(r, metrics.OutcomeError, 0, false, err)
		return h.writeError(c, r, fiber.StatusBadGateway, "origin_unreachable")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	h.setHeaders(c, r, false)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.observe(r, metrics.OutcomePassThrough, resp.StatusCode, false, nil)
		return nil
	}
	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.observe(r, metrics.OutcomePassThrough, resp.StatusCode, false, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// onlineFirst 优先访问源站；2xx 响应后台写入持久区，传输失败时回退到缓存副本。
func (h *Handler) onlineFirst(r *request) error {
	result, err := h.fetchFull(r)
	if err != nil {
		cached, cacheErr := h.lookup(r)
		if cached == nil {
			h.observe(r, metrics.OutcomeError, 0, false, errors.Join(err, cacheErr))
			return h.writeError(r.c, r, fiber.StatusBadGateway, "origin_unreachable")
		}
		defer cached.Reader.Close()
		h.logger.WithFields(h.fields(r)).WithError(err).Warn("origin failed, serving cached shell")
		return h.serveCache(r, cached, metrics.OutcomeFallback)
	}
	return h.respondFetched(r, result)
}

// cacheFirst 命中持久区直接返回；未命中时回源，并发的同键未命中合并为一次请求。
func (h *Handler) cacheFirst(r *request) error {
	if cached, _ := h.lookup(r); cached != nil {
		defer cached.Reader.Close()
		return h.serveCache(r, cached, metrics.OutcomeCacheHit)
	}

	value, err, _ := h.misses.Do(r.route.Config.Name+"|"+r.key, func() (interface{}, error) {
		return h.fetchFull(r)
	})
	if err != nil {
		h.observe(r, metrics.OutcomeError, 0, false, err)
		return h.writeError(r.c, r, fiber.StatusBadGateway, "origin_unreachable")
	}
	return h.respondFetched(r, value.(*fetched))
}

// lookup 读取持久区条目；条目指纹与当前清单不一致时视为未命中。
func (h *Handler) lookup(r *request) (*cache.ReadResult, error) {
	result, err := r.route.Store.Get(r.ctx, r.locator())
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			h.logger.WithFields(h.fields(r)).WithError(err).Warn("cache_get_failed")
		}
		return nil, err
	}
	want, _ := r.worker.Manifest().Fingerprint(r.key)
	if result.Entry.Fingerprint != "" && result.Entry.Fingerprint != want {
		result.Reader.Close()
		return nil, cache.ErrNotFound
	}
	return result, nil
}

// partialRequestHeaders 会让源站返回部分内容或 304，写入持久区的回源请求必须去掉。
var partialRequestHeaders = []string{
	"Range",
	"If-Range",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// fetchFull 回源并读取完整正文，不携带 Range 与条件请求头。请求路径沿用客户端原始路径，
// 使导航根下的前端路由由源站自行处理。
func (h *Handler) fetchFull(r *request) (*fetched, error) {
	c := r.c
	ctx := context.WithoutCancel(r.ctx)
	header := forwardHeaders(c)
	for _, name := range partialRequestHeaders {
		header.Del(name)
	}
	resp, err := r.route.Origin.Fetch(ctx, origin.Request{
		Method:   http.MethodGet,
		Path:     requestPath(c),
		RawQuery: string(c.Request().URI().QueryString()),
		Header:   header,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", origin.ErrNetwork, err)
	}
	stored := http.Header{}
	origin.CopyHeaders(stored, resp.Header)
	stored.Del(fiber.HeaderContentLength)
	return &fetched{status: resp.StatusCode, header: stored, body: body}, nil
}

// respondFetched 返回源站响应；只有完整的 200 响应会提交后台写入，
// 其它状态（含 206 部分内容）原样返回且不缓存。
func (h *Handler) respondFetched(r *request, result *fetched) error {
	c := r.c
	copyResponseHeaders(c, result.header)
	h.setHeaders(c, r, false)
	c.Status(result.status)

	if result.status == http.StatusOK && r.route.Writer.Enabled() {
		fingerprint, _ := r.worker.Manifest().Fingerprint(r.key)
		r.route.Writer.Submit(r.locator(), result.body, cache.PutOptions{
			Status:      result.status,
			Header:      result.header,
			Fingerprint: fingerprint,
			ModTime:     time.Now(),
		})
	}
	h.observe(r, metrics.OutcomeOrigin, result.status, false, nil)
	return c.Send(result.body)
}

func (h *Handler) serveCache(r *request, result *cache.ReadResult, outcome string) error {
	c := r.c
	if seeker, ok := result.Reader.(io.Seeker); ok {
		_, _ = seeker.Seek(0, io.SeekStart)
	}

	copyResponseHeaders(c, result.Entry.Header)
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	} else {
		c.Response().Header.Del(fiber.HeaderContentLength)
	}
	h.setHeaders(c, r, true)

	status := result.Entry.Status
	if status == 0 {
		status = fiber.StatusOK
	}
	c.Status(status)

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.observe(r, outcome, status, true, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) setHeaders(c fiber.Ctx, r *request, cacheHit bool) {
	c.Set(headerCacheHit, strconv.FormatBool(cacheHit))
	c.Set(headerPolicy, r.policy)
	if r.requestID != "" {
		c.Set("X-Request-ID", r.requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, r *request, status int, code string) error {
	h.setHeaders(c, r, false)
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) fields(r *request) logrus.Fields {
	fields := logging.RequestFields(r.route.Config.Name, r.route.Config.Domain, r.key, r.policy, false)
	fields["action"] = "intercept"
	if r.requestID != "" {
		fields["request_id"] = r.requestID
	}
	return fields
}

func (h *Handler) observe(r *request, outcome string, status int, cacheHit bool, err error) {
	h.metrics.ObserveFetch(r.route.Config.Name, r.policy, outcome)

	fields := logging.RequestFields(r.route.Config.Name, r.route.Config.Domain, r.key, r.policy, cacheHit)
	fields["action"] = "intercept"
	fields["outcome"] = outcome
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(r.started).Milliseconds()
	if r.requestID != "" {
		fields["request_id"] = r.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func requestPath(c fiber.Ctx) string {
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

// forwardHeaders 复制客户端请求头并补充 X-Forwarded-*；Accept-Encoding 交由 http.Client 协商。
func forwardHeaders(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del("Accept-Encoding")
	header.Del(fiber.HeaderHost)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if origin.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
