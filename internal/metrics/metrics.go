// Package metrics 暴露 offline-hub 的 Prometheus 指标，使用独立 Registry，
// 避免与进程内其他组件的默认注册表冲突。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_hub"

// 拦截结果（outcome 标签）取值。
const (
	OutcomeCacheHit    = "cache_hit"
	OutcomeOrigin      = "origin"
	OutcomeFallback    = "fallback"
	OutcomePassThrough = "pass_through"
	OutcomeError       = "error"
)

// Metrics 汇总所有 collector；nil 接收者上的方法均为空操作，便于测试直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	fetches            *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	activationDuration *prometheus.HistogramVec
	cacheWriteFailures *prometheus.CounterVec
	downloads          *prometheus.CounterVec
}

// New 创建并注册全部 collector。
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by scope, caching policy and outcome.",
		}, []string{"scope", "policy", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle state changes by scope and target state.",
		}, []string{"scope", "state"}),
		activationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time spent reconciling cache regions during activation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope", "result"}),
		cacheWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_write_failures_total",
			Help:      "Background cache writes that did not complete.",
		}, []string{"scope"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_downloads_total",
			Help:      "download-offline runs by scope and result.",
		}, []string{"scope", "result"}),
	}
	registry.MustRegister(
		m.fetches,
		m.transitions,
		m.activationDuration,
		m.cacheWriteFailures,
		m.downloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层注册表，供测试读取。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveFetch 记录一次拦截结果。
func (m *Metrics) ObserveFetch(scope, policy, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(scope, policy, outcome).Inc()
}

// ObserveTransition 记录生命周期状态变化。
func (m *Metrics) ObserveTransition(scope, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(scope, state).Inc()
}

// ObserveActivation 记录一次激活耗时。
func (m *Metrics) ObserveActivation(scope string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.activationDuration.WithLabelValues(scope, resultLabel(err)).Observe(elapsed.Seconds())
}

// ObserveCacheWriteFailure 记录后台写入失败。
func (m *Metrics) ObserveCacheWriteFailure(scope string) {
	if m == nil {
		return
	}
	m.cacheWriteFailures.WithLabelValues(scope).Inc()
}

// ObserveDownload 记录 download-offline 的执行结果。
func (m *Metrics) ObserveDownload(scope string, err error) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(scope, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
