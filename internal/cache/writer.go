package cache

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStoreUnavailable 表示当前 writer 未注入缓存存储实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

const defaultWriteTimeout = 30 * time.Second

// BackgroundWriter 实现“只观察、不阻塞”的缓存写入：Submit 立即返回，
// 写入在独立 goroutine 中完成，失败只记录日志并回调 OnError。
type BackgroundWriter struct {
	store   Store
	logger  *logrus.Logger
	timeout time.Duration

	// OnError 在后台写入失败时调用，用于指标统计；可为空。
	OnError func(Locator, error)

	wg sync.WaitGroup
}

// NewBackgroundWriter 构造后台写入器，写入超时默认 30s。
func NewBackgroundWriter(store Store, logger *logrus.Logger) *BackgroundWriter {
	return &BackgroundWriter{
		store:   store,
		logger:  logger,
		timeout: defaultWriteTimeout,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w *BackgroundWriter) Enabled() bool {
	return w != nil && w.store != nil
}

// Submit 异步写入 body；调用方在 Submit 返回后即可继续响应请求。
func (w *BackgroundWriter) Submit(locator Locator, body []byte, opts PutOptions) {
	if !w.Enabled() {
		w.fail(locator, ErrStoreUnavailable)
		return
	}
	payload := append([]byte(nil), body...)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if _, err := w.store.Put(ctx, locator, bytes.NewReader(payload), opts); err != nil {
			w.fail(locator, err)
		}
	}()
}

// Wait 阻塞直到所有已提交的写入结束，用于优雅退出与测试。
func (w *BackgroundWriter) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

func (w *BackgroundWriter) fail(locator Locator, err error) {
	if w == nil {
		return
	}
	if w.logger != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_write",
			"region": locator.Region,
			"key":    locator.Key,
		}).Warn("cache_write_failed")
	}
	if w.OnError != nil {
		w.OnError(locator, err)
	}
}
