// Package checker 探测清单中的资源能否从源站下载，并按 Scope 缓存检查报告。
package checker

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/origin"
)

const (
	defaultTTL         = 5 * time.Minute
	defaultConcurrency = 4
)

// Prober 发起一次源站请求。
type Prober interface {
	Fetch(ctx context.Context, req origin.Request) (*http.Response, error)
}

// Result 是单个资源的检查结果。
type Result struct {
	Path      string `json:"path"`
	OK        bool   `json:"ok"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// Report 汇总一次检查。
type Report struct {
	Scope     string    `json:"scope"`
	Version   string    `json:"version,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
	Total     int       `json:"total"`
	Failed    int       `json:"failed"`
	Results   []Result  `json:"results"`
}

// Healthy 判断是否所有资源都可下载。
func (r *Report) Healthy() bool {
	return r != nil && r.Failed == 0
}

// Checker 并发探测资源，报告按 scope+版本缓存 ttl 时长。
type Checker struct {
	reports     *gocache.Cache
	concurrency int
	logger      *logrus.Logger
}

// New 创建 Checker；ttl 或 concurrency 非正数时使用默认值。
func New(ttl time.Duration, concurrency int, logger *logrus.Logger) *Checker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Checker{
		reports:     gocache.New(ttl, 2*ttl),
		concurrency: concurrency,
		logger:      logger,
	}
}

// ManifestReport 检查清单中全部资源；同一 scope 与版本在 ttl 内复用上次报告。
// 第二个返回值表示报告是否来自缓存。
func (c *Checker) ManifestReport(ctx context.Context, scope string, prober Prober, m *manifest.Manifest) (*Report, bool) {
	cacheKey := scope + "|" + m.Version()
	if cached, ok := c.reports.Get(cacheKey); ok {
		return cached.(*Report), true
	}
	report := c.Check(ctx, scope, prober, m.Paths())
	report.Version = m.Version()
	c.reports.SetDefault(cacheKey, report)
	return report, false
}

// Invalidate 丢弃某个 scope 的全部缓存报告。
func (c *Checker) Invalidate(scope string) {
	for key := range c.reports.Items() {
		if strings.HasPrefix(key, scope+"|") {
			c.reports.Delete(key)
		}
	}
}

// Check 逐个请求 paths（清单键），不使用缓存。
func (c *Checker) Check(ctx context.Context, scope string, prober Prober, paths []string) *Report {
	results := make([]Result, len(paths))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)
	for i, key := range paths {
		group.Go(func() error {
			results[i] = c.probe(gctx, prober, key)
			return nil
		})
	}
	_ = group.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	report := &Report{
		Scope:     scope,
		CheckedAt: time.Now().UTC(),
		Total:     len(results),
		Results:   results,
	}
	for _, result := range results {
		if !result.OK {
			report.Failed++
		}
		c.log(scope, result)
	}
	return report
}

func (c *Checker) probe(ctx context.Context, prober Prober, key string) Result {
	started := time.Now()
	result := Result{Path: key}
	path, rawQuery, _ := strings.Cut(manifest.RequestPath(key), "?")
	resp, err := prober.Fetch(ctx, origin.Request{Method: http.MethodGet, Path: path, RawQuery: rawQuery})
	result.ElapsedMS = time.Since(started).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	result.Status = resp.StatusCode
	result.OK = origin.IsSuccess(resp.StatusCode)
	return result
}

func (c *Checker) log(scope string, result Result) {
	if c.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":     "resource_check",
		"scope":      scope,
		"key":        result.Path,
		"status":     result.Status,
		"elapsed_ms": result.ElapsedMS,
	}
	if !result.OK {
		if result.Error != "" {
			fields["error"] = result.Error
		}
		c.logger.WithFields(fields).Warn("resource_unavailable")
		return
	}
	c.logger.WithFields(fields).Info("resource_ok")
}
