// Package watcher 监听各 Scope 的清单文件，文件变化时构建新版本 worker 并部署，
// 相当于浏览器发现 service worker 脚本更新后触发新一轮安装。
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher 监听清单所在目录，去抖后逐个重新加载。
type Watcher struct {
	fs       *fsnotify.Watcher
	routes   map[string][]*server.ScopeRoute // 清单绝对路径 → 使用它的 Scope
	logger   *logrus.Logger
	debounce time.Duration

	// OnDeploy 在每次部署结束后调用，可为空。
	OnDeploy func(route *server.ScopeRoute, err error)

	reloads chan string
	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  chan struct{}
	once    sync.Once
}

// New 为所有 route 的清单目录注册监听。
func New(routes []*server.ScopeRoute, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		routes:   make(map[string][]*server.ScopeRoute),
		logger:   logger,
		debounce: defaultDebounce,
		reloads:  make(chan string, 16),
		timers:   make(map[string]*time.Timer),
		closed:   make(chan struct{}),
	}

	dirs := make(map[string]struct{})
	for _, route := range routes {
		path, err := filepath.Abs(route.Config.Manifest)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		w.routes[path] = append(w.routes[path], route)
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run 处理文件事件直到 ctx 结束或 Close 被调用。
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return
		case <-w.closed:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, ok := w.routes[path]; ok {
				w.schedule(path)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.WithField("action", "manifest_watch").WithError(err).Warn("watcher error")
		case path := <-w.reloads:
			for _, route := range w.routes[path] {
				err := w.Reload(ctx, route)
				if w.OnDeploy != nil {
					w.OnDeploy(route, err)
				}
			}
		}
	}
}

// schedule 合并短时间内的多次写入事件。
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.reloads <- path:
		case <-w.closed:
		}
	})
}

// ErrUnchanged 表示清单内容与当前 worker 版本一致，无需部署。
var ErrUnchanged = errors.New("manifest unchanged")

// Reload 重新加载 route 的清单；版本变化时部署新 worker。
// 无效清单只记录日志，当前 worker 保持不变。
func (w *Watcher) Reload(ctx context.Context, route *server.ScopeRoute) error {
	fields := logrus.Fields{"action": "manifest_reload", "scope": route.Config.Name, "manifest": route.Config.Manifest}
	ctrl, err := route.LoadWorker()
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("manifest reload rejected")
		return err
	}
	fields["version"] = ctrl.Version()
	if current := route.MessageTarget(); current != nil && current.Version() == ctrl.Version() {
		w.logger.WithFields(fields).Debug("manifest unchanged")
		return ErrUnchanged
	}

	w.logger.WithFields(fields).Info("new manifest version detected")
	if err := route.Deploy(ctx, ctrl); err != nil {
		w.logger.WithFields(fields).WithError(err).Error("deploy new version failed")
		return err
	}
	fields["state"] = string(ctrl.State())
	w.logger.WithFields(fields).Info("new version deployed")
	return nil
}

// Close 停止监听，可重复调用。
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		w.mu.Lock()
		for _, timer := range w.timers {
			timer.Stop()
		}
		w.mu.Unlock()
		err = w.fs.Close()
	})
	return err
}
