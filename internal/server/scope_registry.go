package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/origin"
)

// ScopeRoute 将 Scope 配置与派生资源（解析后的 Origin/Proxy URL、磁盘缓存、
// 源站客户端、后台写入器）聚合在一起，供路由/拦截器直接复用。
type ScopeRoute struct {
	// Config 是用户在 config.toml 中声明的 Scope 字段副本。
	Config config.ScopeConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// OriginURL/ProxyURL 在构造 Registry 时提前解析完成。
	OriginURL *url.URL
	ProxyURL  *url.URL
	Regions   lifecycle.Regions
	StorePath string
	Store     cache.Store
	Origin    *origin.Client
	Writer    *cache.BackgroundWriter

	concurrency int
	logger      *logrus.Logger
	metrics     *metrics.Metrics

	// active 为正在接管客户端的 worker，pending 为已安装但仍在等待的新版本。
	active  atomic.Pointer[lifecycle.Controller]
	pending atomic.Pointer[lifecycle.Controller]
}

// ScopeRegistry 提供 Host/Host:port 到 ScopeRoute 的查询能力，所有 Scope 共享同一个监听端口。
type ScopeRegistry struct {
	routes  map[string]*ScopeRoute
	byName  map[string]*ScopeRoute
	ordered []*ScopeRoute
}

// NewScopeRegistry 根据配置构建 Host 映射，并为每个 Scope 打开独立的缓存目录。
func NewScopeRegistry(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) (*ScopeRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		return nil, errors.New("logger is nil")
	}

	registry := &ScopeRegistry{
		routes: make(map[string]*ScopeRoute, len(cfg.Scopes)),
		byName: make(map[string]*ScopeRoute, len(cfg.Scopes)),
	}

	for _, scope := range cfg.Scopes {
		normalizedHost := normalizeDomain(scope.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for scope %s", scope.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildScopeRoute(cfg, scope, logger, m)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[scope.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 ScopeRoute。
func (r *ScopeRegistry) Lookup(host string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Get 根据 Scope 名称查找，供诊断接口使用。
func (r *ScopeRegistry) Get(name string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// List 返回按配置顺序排列的 ScopeRoute。
func (r *ScopeRegistry) List() []*ScopeRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*ScopeRoute(nil), r.ordered...)
}

// Wait 等待所有 Scope 的后台缓存写入完成，用于优雅退出。
func (r *ScopeRegistry) Wait() {
	for _, route := range r.List() {
		route.Writer.Wait()
	}
}

func buildScopeRoute(cfg *config.Config, scope config.ScopeConfig, logger *logrus.Logger, m *metrics.Metrics) (*ScopeRoute, error) {
	originURL, err := url.Parse(scope.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for scope %s: %w", scope.Name, err)
	}

	var proxyURL *url.URL
	if scope.Proxy != "" {
		proxyURL, err = url.Parse(scope.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for scope %s: %w", scope.Name, err)
		}
	}

	storePath := filepath.Join(cfg.Global.StoragePath, scope.Name)
	store, err := cache.NewStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", scope.Name, err)
	}

	writer := cache.NewBackgroundWriter(store, logger)
	name := scope.Name
	writer.OnError = func(cache.Locator, error) {
		m.ObserveCacheWriteFailure(name)
	}

	return &ScopeRoute{
		Config:     scope,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  originURL,
		ProxyURL:   proxyURL,
		Regions: lifecycle.Regions{
			Temp:     scope.TempRegion,
			Content:  scope.ContentRegion,
			Manifest: scope.ManifestRegion,
		},
		StorePath:   storePath,
		Store:       store,
		Origin:      origin.NewClient(originURL, proxyURL, cfg.Global.OriginTimeout.DurationValue()),
		Writer:      writer,
		concurrency: cfg.Global.DownloadConcurrency,
		logger:      logger,
		metrics:     m,
	}, nil
}

// NewWorker 基于给定清单构建该 Scope 的 lifecycle.Controller（尚未 Start）。
func (r *ScopeRoute) NewWorker(m *manifest.Manifest) (*lifecycle.Controller, error) {
	return lifecycle.New(lifecycle.Options{
		Scope:        r.Config.Name,
		Manifest:     m,
		Store:        r.Store,
		Origin:       r.Origin,
		Regions:      r.Regions,
		AutoActivate: r.Config.ShouldAutoActivate(),
		Concurrency:  r.concurrency,
		Logger:       r.logger,
		Metrics:      r.metrics,
	})
}

// LoadWorker 从配置的清单文件构建 worker。
func (r *ScopeRoute) LoadWorker() (*lifecycle.Controller, error) {
	m, err := manifest.Load(r.Config.Manifest)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", r.Config.Name, err)
	}
	return r.NewWorker(m)
}

// Worker 返回处理请求的 worker：优先使用已激活版本，否则返回等待中的版本。
func (r *ScopeRoute) Worker() *lifecycle.Controller {
	if ctrl := r.active.Load(); ctrl != nil {
		return ctrl
	}
	return r.pending.Load()
}

// MessageTarget 返回应接收宿主消息的 worker：等待中的新版本优先。
func (r *ScopeRoute) MessageTarget() *lifecycle.Controller {
	if ctrl := r.pending.Load(); ctrl != nil {
		return ctrl
	}
	return r.active.Load()
}

// Adopt 根据 worker 当前状态放入 active 或 pending 槽位。
// 新版本激活后取代旧版本，旧版本在此之前继续服务请求。
func (r *ScopeRoute) Adopt(ctrl *lifecycle.Controller) {
	if ctrl == nil {
		return
	}
	if ctrl.Active() {
		r.active.Store(ctrl)
		r.pending.CompareAndSwap(ctrl, nil)
		return
	}
	r.active.CompareAndSwap(ctrl, nil)
	r.pending.Store(ctrl)
}

// Deploy 让 worker 进入路由并执行 Start（安装，必要时激活）。
// 启动失败且已有旧版本在服务时，丢弃新 worker，旧版本继续工作。
func (r *ScopeRoute) Deploy(ctx context.Context, ctrl *lifecycle.Controller) error {
	r.Adopt(ctrl)
	err := ctrl.Start(ctx)
	if err != nil {
		if current := r.active.Load(); current != nil && current != ctrl {
			r.pending.CompareAndSwap(ctrl, nil)
			return err
		}
	}
	r.Adopt(ctrl)
	return err
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
