package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/origin"
)

const defaultConcurrency = 4

// Fetcher 下载单个清单资源；reload 为 true 时必须绕过中间缓存。
type Fetcher interface {
	FetchResource(ctx context.Context, key string, reload bool) (*origin.Resource, error)
}

// Regions 是一个 Scope 使用的三个缓存区域名。
type Regions struct {
	Temp     string
	Content  string
	Manifest string
}

// Options 是构造 Controller 所需的不可变配置。
type Options struct {
	Scope        string
	Manifest     *manifest.Manifest
	Store        cache.Store
	Origin       Fetcher
	Regions      Regions
	AutoActivate bool
	Concurrency  int
	Logger       *logrus.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Controller 管理单个 worker 版本的安装、激活与消息处理。
// 所有阶段共享一把互斥锁，任意时刻只会执行一个生命周期阶段；
// 阶段的每一步都先落盘再继续，进程重启后由 Start 从持久化记录恢复。
type Controller struct {
	opts    Options
	version string

	mu            sync.Mutex
	state         atomic.Value // State，持久化记录在内存中的镜像
	skipRequested atomic.Bool
}

// New 构建 Controller；在调用 Start 之前其状态视为 uninstalled。
func New(opts Options) (*Controller, error) {
	if opts.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin fetcher is required")
	}
	if opts.Regions.Temp == "" || opts.Regions.Content == "" || opts.Regions.Manifest == "" {
		return nil, errors.New("cache regions are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{opts: opts, version: opts.Manifest.Version()}
	c.state.Store(StateUninstalled)
	return c, nil
}

// Scope 返回所属 Scope 名称。
func (c *Controller) Scope() string { return c.opts.Scope }

// Version 返回当前清单版本。
func (c *Controller) Version() string { return c.version }

// Manifest 返回只读资源清单。
func (c *Controller) Manifest() *manifest.Manifest { return c.opts.Manifest }

// Regions 返回缓存区域名。
func (c *Controller) Regions() Regions { return c.opts.Regions }

// Store 返回底层 Cache Store。
func (c *Controller) Store() cache.Store { return c.opts.Store }

// State 返回内存镜像中的状态，供每个请求无 IO 地读取。
func (c *Controller) State() State {
	return c.state.Load().(State)
}

// Active 判断该版本是否已经接管客户端。
func (c *Controller) Active() bool {
	return c.State() == StateActive
}

// Record 读取持久化记录，版本不一致时返回该版本视角下的 uninstalled 记录。
func (c *Controller) Record(ctx context.Context) (Record, error) {
	stored, err := loadRecord(ctx, c.opts.Store)
	if err != nil {
		return Record{}, err
	}
	return c.effective(stored), nil
}

func (c *Controller) effective(stored Record) Record {
	if stored.Version == c.version {
		return stored
	}
	active := stored.ActiveVersion
	if stored.State == StateActive && active == "" {
		active = stored.Version
	}
	return Record{Version: c.version, State: StateUninstalled, ActiveVersion: active}
}

// Start 根据持久化记录恢复或推进生命周期：
//   - active：仅恢复内存状态；
//   - activating：重新执行激活；
//   - waiting：请求过 skip-waiting、开启自动激活或没有其他活跃版本时激活；
//   - 其它：重新安装，随后按同样规则决定是否激活。
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.Record(ctx)
	if err != nil {
		return err
	}
	c.state.Store(rec.State)

	switch rec.State {
	case StateActive:
		return nil
	case StateActivating:
		return c.activate(ctx)
	case StateWaiting:
		if c.shouldActivate(rec) {
			return c.activate(ctx)
		}
		return nil
	}

	if err := c.install(ctx); err != nil {
		return err
	}
	rec, err = c.Record(ctx)
	if err != nil {
		return err
	}
	if c.shouldActivate(rec) {
		return c.activate(ctx)
	}
	c.logger(rec, "lifecycle_wait").Info("installed version waiting for skip-waiting")
	return nil
}

func (c *Controller) shouldActivate(rec Record) bool {
	return rec.SkipWaiting || c.opts.AutoActivate || rec.ActiveVersion == "" || c.skipRequested.Load()
}

// Install 将所有核心资源以强制刷新方式下载到暂存区，成功后进入 waiting。
// 任一资源失败时删除暂存区，记录回到 uninstalled，不提交任何部分安装。
func (c *Controller) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.install(ctx)
}

func (c *Controller) install(ctx context.Context) error {
	rec, err := c.Record(ctx)
	if err != nil {
		return err
	}
	if err := c.transition(ctx, &rec, EventInstall, func(r *Record) {
		r.InstallID = uuid.NewString()
		r.SkipWaiting = false
		r.LastError = ""
	}); err != nil {
		return err
	}

	store := c.opts.Store
	temp := c.opts.Regions.Temp
	// 上一次中断的安装可能留下部分暂存内容。
	if err := store.DropRegion(ctx, temp); err != nil {
		return c.failInstall(ctx, &rec, &Error{Kind: KindInstallFetch, Op: "reset staging", Err: err})
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Concurrency)
	for _, key := range c.opts.Manifest.Core() {
		group.Go(func() error {
			res, err := c.opts.Origin.FetchResource(gctx, key, true)
			if err != nil {
				return &Error{Kind: KindInstallFetch, Op: "fetch core", Key: key, Err: err}
			}
			if err := c.put(gctx, temp, key, res); err != nil {
				return &Error{Kind: KindInstallFetch, Op: "stage core", Key: key, Err: err}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return c.failInstall(ctx, &rec, err)
	}

	return c.transition(ctx, &rec, EventInstalled, func(r *Record) {
		r.SkipWaiting = r.SkipWaiting || c.skipRequested.Load()
	})
}

func (c *Controller) failInstall(ctx context.Context, rec *Record, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := c.opts.Store.DropRegion(ctx, c.opts.Regions.Temp); err != nil {
		c.logger(*rec, "lifecycle_install").WithError(err).Warn("staging cleanup failed")
	}
	if err := c.transition(ctx, rec, EventInstallFailed, func(r *Record) {
		r.LastError = cause.Error()
	}); err != nil {
		c.logger(*rec, "lifecycle_install").WithError(err).Error("record install failure")
	}
	c.logger(*rec, "lifecycle_install").WithError(cause).Error("install failed")
	return cause
}

// Activate 将暂存区合并入持久区并写入新的清单快照。
// 中途任何失败都会删除全部三个区域，并以 ActivationFailure 报告。
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activate(ctx)
}

func (c *Controller) activate(ctx context.Context) error {
	// 激活一旦开始不可取消，失败时走统一的清理路径。
	ctx = context.WithoutCancel(ctx)
	rec, err := c.Record(ctx)
	if err != nil {
		rec = Record{Version: c.version, State: StateActivating}
		return c.failActivate(ctx, &rec, fmt.Errorf("read record: %w", err))
	}
	if err := c.transition(ctx, &rec, EventActivate, nil); err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			return err
		}
		return c.failActivate(ctx, &rec, err)
	}

	started := c.opts.Now()
	err = c.reconcile(ctx, rec)
	if err == nil {
		// claim：记录落盘失败同样走统一清理路径。
		err = c.transition(ctx, &rec, EventActivated, func(r *Record) {
			r.ActiveVersion = c.version
			r.SkipWaiting = false
			r.LastError = ""
		})
	}
	c.opts.Metrics.ObserveActivation(c.opts.Scope, c.opts.Now().Sub(started), err)
	if err != nil {
		return c.failActivate(ctx, &rec, err)
	}
	c.skipRequested.Store(false)
	return nil
}

// reconcile 执行激活的核心步骤；区域操作逐个落盘，重复执行可收敛到相同结果。
func (c *Controller) reconcile(ctx context.Context, rec Record) error {
	store := c.opts.Store
	regions := c.opts.Regions

	previous, err := readSnapshot(ctx, store, regions.Manifest)
	if errors.Is(err, errSnapshotCorrupt) {
		c.logger(rec, "lifecycle_activate").WithError(err).Warn("snapshot unreadable, performing hard reset")
		previous = nil
	} else if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	if previous == nil {
		if err := store.DropRegion(ctx, regions.Content); err != nil {
			return fmt.Errorf("reset content region: %w", err)
		}
	} else {
		if err := c.prune(ctx, previous); err != nil {
			return err
		}
	}

	staged, err := store.Keys(ctx, regions.Temp)
	if err != nil {
		return fmt.Errorf("list staging: %w", err)
	}
	for _, key := range staged {
		if err := c.promote(ctx, key); err != nil {
			return err
		}
	}
	if err := store.DropRegion(ctx, regions.Temp); err != nil {
		return fmt.Errorf("drop staging: %w", err)
	}
	if err := writeSnapshot(ctx, store, regions.Manifest, c.opts.Manifest); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// prune 删除持久区中已移除或指纹发生变化的条目，未变化的条目保留。
func (c *Controller) prune(ctx context.Context, previous *manifest.Manifest) error {
	store := c.opts.Store
	content := c.opts.Regions.Content
	keys, err := store.Keys(ctx, content)
	if err != nil {
		return fmt.Errorf("list content: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if !c.opts.Manifest.Stale(previous, key) && !c.fingerprintMismatch(ctx, key) {
			continue
		}
		if err := store.Remove(ctx, cache.Locator{Region: content, Key: key}); err != nil {
			return fmt.Errorf("prune %s: %w", key, err)
		}
		removed++
	}
	c.opts.Logger.WithFields(logrus.Fields{
		"action":   "lifecycle_prune",
		"scope":    c.opts.Scope,
		"version":  c.version,
		"examined": len(keys),
		"removed":  removed,
	}).Debug("content region pruned")
	return nil
}

// fingerprintMismatch 检查条目自身记录的指纹，覆盖升级窗口内由旧版本写入的条目。
func (c *Controller) fingerprintMismatch(ctx context.Context, key string) bool {
	result, err := c.opts.Store.Get(ctx, cache.Locator{Region: c.opts.Regions.Content, Key: key})
	if err != nil {
		return false
	}
	defer result.Reader.Close()
	want, _ := c.opts.Manifest.Fingerprint(key)
	return result.Entry.Fingerprint != "" && result.Entry.Fingerprint != want
}

// promote 将一条暂存条目复制到持久区，覆盖同名条目。
func (c *Controller) promote(ctx context.Context, key string) error {
	store := c.opts.Store
	result, err := store.Get(ctx, cache.Locator{Region: c.opts.Regions.Temp, Key: key})
	if err != nil {
		return fmt.Errorf("read staged %s: %w", key, err)
	}
	defer result.Reader.Close()
	_, err = store.Put(ctx, cache.Locator{Region: c.opts.Regions.Content, Key: key}, result.Reader, cache.PutOptions{
		Status:      result.Entry.Status,
		Header:      result.Entry.Header,
		Fingerprint: result.Entry.Fingerprint,
	})
	if err != nil {
		return fmt.Errorf("promote %s: %w", key, err)
	}
	return nil
}

func (c *Controller) failActivate(ctx context.Context, rec *Record, cause error) error {
	store := c.opts.Store
	regions := c.opts.Regions
	for _, region := range []string{regions.Content, regions.Temp, regions.Manifest} {
		if err := store.DropRegion(ctx, region); err != nil {
			c.logger(*rec, "lifecycle_teardown").WithError(err).WithField("region", region).Error("region teardown failed")
		}
	}
	failure := &Error{Kind: KindActivation, Op: "activate", Err: cause}
	// 清理后一律回到 uninstalled，即使激活记录本身没能写入。
	rec.State = StateActivating
	if err := c.transition(ctx, rec, EventActivateFailed, func(r *Record) {
		r.ActiveVersion = ""
		r.SkipWaiting = false
		r.LastError = failure.Error()
	}); err != nil {
		c.logger(*rec, "lifecycle_activate").WithError(err).Error("record activation failure")
	}
	c.logger(*rec, "lifecycle_activate").WithError(cause).Error("activation failed, caches cleared")
	return failure
}

// Command 是宿主消息通道上的命令。
type Command string

const (
	CommandSkipWaiting     Command = "skip-waiting"
	CommandDownloadOffline Command = "download-offline"
)

// ParseCommand 识别命令字符串，同时接受 camelCase 写法。
func ParseCommand(raw string) (Command, error) {
	switch strings.TrimSpace(raw) {
	case "skip-waiting", "skipWaiting":
		return CommandSkipWaiting, nil
	case "download-offline", "downloadOffline":
		return CommandDownloadOffline, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, raw)
}

// HandleMessage 处理宿主消息通道上的命令。
func (c *Controller) HandleMessage(ctx context.Context, raw string) error {
	command, err := ParseCommand(raw)
	if err != nil {
		return err
	}
	if command == CommandSkipWaiting {
		return c.SkipWaiting(ctx)
	}
	_, err = c.DownloadOffline(ctx)
	return err
}

// SkipWaiting 强制激活等待中的版本；安装期间收到时记下请求，安装完成后立即激活。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	if c.State() == StateInstalling {
		c.skipRequested.Store(true)
		c.opts.Logger.WithFields(logging.LifecycleFields("lifecycle_skip_waiting", c.opts.Scope, c.version, string(StateInstalling))).
			Info("skip-waiting remembered until install completes")
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec, err := c.Record(ctx)
	if err != nil {
		return err
	}
	switch rec.State {
	case StateWaiting:
		return c.activate(ctx)
	case StateInstalling:
		c.skipRequested.Store(true)
	}
	return nil
}

// DownloadOffline 下载清单中尚未进入持久区的全部资源；只有全部成功才写入。
// 返回写入的条目数。
func (c *Controller) DownloadOffline(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, err := c.downloadOffline(ctx)
	c.opts.Metrics.ObserveDownload(c.opts.Scope, err)
	fields := logging.LifecycleFields("download_offline", c.opts.Scope, c.version, string(c.State()))
	if err != nil {
		c.opts.Logger.WithFields(fields).WithError(err).Warn("offline download failed")
		return 0, err
	}
	fields["stored"] = count
	c.opts.Logger.WithFields(fields).Info("offline download complete")
	return count, nil
}

func (c *Controller) downloadOffline(ctx context.Context) (int, error) {
	if !c.Active() {
		return 0, ErrNotActive
	}
	store := c.opts.Store
	content := c.opts.Regions.Content
	keys, err := store.Keys(ctx, content)
	if err != nil {
		return 0, err
	}
	// 升级窗口内旧版本写入的条目指纹不符，视为缺失重新下载。
	have := keys[:0]
	for _, key := range keys {
		if !c.fingerprintMismatch(ctx, key) {
			have = append(have, key)
		}
	}
	missing := c.opts.Manifest.Diff(have)
	if len(missing) == 0 {
		return 0, nil
	}

	fetched := make([]*origin.Resource, len(missing))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.opts.Concurrency)
	for i, key := range missing {
		group.Go(func() error {
			res, err := c.opts.Origin.FetchResource(gctx, key, false)
			if err != nil {
				return &Error{Kind: fetchKind(err), Op: "download", Key: key, Err: err}
			}
			fetched[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}

	for _, res := range fetched {
		if err := c.put(ctx, content, res.Key, res); err != nil {
			return 0, err
		}
	}
	return len(fetched), nil
}

func (c *Controller) put(ctx context.Context, region, key string, res *origin.Resource) error {
	fingerprint, _ := c.opts.Manifest.Fingerprint(key)
	_, err := c.opts.Store.Put(ctx, cache.Locator{Region: region, Key: key}, bytes.NewReader(res.Body), cache.PutOptions{
		Status:      res.Status,
		Header:      res.Header,
		Fingerprint: fingerprint,
		ModTime:     c.opts.Now(),
	})
	return err
}

// transition 计算下一状态、先落盘再更新内存镜像，并输出日志与指标。
func (c *Controller) transition(ctx context.Context, rec *Record, event Event, mutate func(*Record)) error {
	next, err := Next(rec.State, event)
	if err != nil {
		return err
	}
	updated := *rec
	updated.Version = c.version
	updated.State = next
	updated.UpdatedAt = c.opts.Now().UTC()
	if mutate != nil {
		mutate(&updated)
	}
	if err := saveRecord(ctx, c.opts.Store, updated); err != nil {
		return fmt.Errorf("persist %s: %w", next, err)
	}
	*rec = updated
	c.state.Store(next)
	c.opts.Metrics.ObserveTransition(c.opts.Scope, string(next))
	c.logger(updated, "lifecycle_transition").WithField("event", string(event)).Info("lifecycle state changed")
	return nil
}

func (c *Controller) logger(rec Record, action string) *logrus.Entry {
	fields := logging.LifecycleFields(action, c.opts.Scope, c.version, string(rec.State))
	if rec.InstallID != "" {
		fields["install_id"] = rec.InstallID
	}
	return c.opts.Logger.WithFields(fields)
}
