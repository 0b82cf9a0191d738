package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/manifest"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrNetwork 表示请求未能到达源站（DNS、连接、超时等）。
	ErrNetwork = errors.New("origin unreachable")
	// ErrUnexpectedStatus 表示源站返回了非 2xx 状态码。
	ErrUnexpectedStatus = errors.New("unexpected origin status")
)

// StatusError 携带非 2xx 状态码，errors.Is(err, ErrUnexpectedStatus) 为真。
type StatusError struct {
	Key    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("origin returned %d for %s", e.Status, e.Key)
}

// Is 让 StatusError 与 ErrUnexpectedStatus 匹配。
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 负责与单个 Scope 的源站通信。
type Client struct {
	base *url.URL
	http *http.Client
}

// Request 描述一次透传请求。Path 为客户端原始路径（含前导 /）。
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// Resource 是完整下载的清单资源。
type Resource struct {
	Key    string
	Status int
	Header http.Header
	Body   []byte
}

// NewClient 基于源站地址构造客户端；proxy 为空时沿用环境变量代理。
func NewClient(base *url.URL, proxy *url.URL, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := defaultTransport.Clone()
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &Client{
		base: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// HTTPClient 暴露底层 http.Client，便于测试替换 Transport。
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Base 返回源站根地址。
func (c *Client) Base() *url.URL {
	return c.base
}

// ResolveURL 将路径与查询串拼接到源站根地址上。
func (c *Client) ResolveURL(path, rawQuery string) *url.URL {
	target := *c.base
	basePath := strings.TrimSuffix(c.base.Path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target.Path = basePath + path
	target.RawPath = ""
	target.RawQuery = rawQuery
	return &target
}

// Fetch 透传请求并返回原始响应，调用方负责关闭 Body。
// 传输层错误以 ErrNetwork 包装。
func (c *Client) Fetch(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.ResolveURL(req.Path, req.RawQuery)
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Host = target.Host

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, target.Path, err)
	}
	return resp, nil
}

// FetchResource 下载单个清单资源并读取完整正文。
// reload 为 true 时跳过 HTTP 缓存（Cache-Control: no-cache），对应强制刷新。
func (c *Client) FetchResource(ctx context.Context, key string, reload bool) (*Resource, error) {
	path, rawQuery := splitKey(key)
	header := http.Header{}
	if reload {
		header.Set("Cache-Control", "no-cache")
		header.Set("Pragma", "no-cache")
	}
	resp, err := c.Fetch(ctx, Request{Method: http.MethodGet, Path: path, RawQuery: rawQuery, Header: header})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Key: key, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, key, err)
	}
	stored := http.Header{}
	CopyHeaders(stored, resp.Header)
	return &Resource{Key: key, Status: resp.StatusCode, Header: stored, Body: body}, nil
}

// splitKey 将清单键还原为请求路径与查询串。
func splitKey(key string) (string, string) {
	path := manifest.RequestPath(key)
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}
	return path, ""
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// IsSuccess 判断状态码是否属于 2xx。
func IsSuccess(status int) bool {
	return status >= 200 && status <= 299
}
