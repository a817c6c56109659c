package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kitchen-assistant/kitchen-cache/internal/cache"
	"github.com/kitchen-assistant/kitchen-cache/internal/config"
	"github.com/kitchen-assistant/kitchen-cache/internal/logging"
)

// State 表示缓存版本的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed 表示资源预取失败，本次安装的内容不会写入缓存。
	ErrInstallFailed = errors.New("install failed")
	// ErrNoActiveVersion 表示安装失败且存储中没有可用的旧版本。
	ErrNoActiveVersion = errors.New("no active cache version")
	// ErrNotInstalled 表示在安装成功前调用了 Activate。
	ErrNotInstalled = errors.New("worker not installed")
)

// Options 描述一个缓存版本：源站、版本名、预取资源与绕过片段。
type Options struct {
	Origin        *url.URL
	CacheName     string
	Assets        []string
	BypassMarkers []string
}

// OptionsFromConfig 从已校验的配置构造 Options。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, errors.New("config is required")
	}
	origin, err := url.Parse(cfg.Worker.Origin)
	if err != nil {
		return Options{}, fmt.Errorf("parse origin: %w", err)
	}
	return Options{
		Origin:        origin,
		CacheName:     cfg.Worker.CacheName,
		Assets:        append([]string(nil), cfg.Worker.Assets...),
		BypassMarkers: append([]string(nil), cfg.Worker.BypassMarkers...),
	}, nil
}

// Worker 持有当前版本的生命周期状态与对外服务的 bucket。
// Install/Activate/Start 通过 lifecycle 互斥串行执行；请求路径只读取原子指针，不加锁。
type Worker struct {
	opts    Options
	origin  string
	client  *http.Client
	storage cache.Storage
	logger  *logrus.Logger
	writer  *cache.Writer

	lifecycle sync.Mutex
	installed bool
	state     atomic.Value
	active    atomic.Pointer[activeBucket]
}

type activeBucket struct {
	name   string
	bucket cache.Bucket
}

// Status 是 /-/status 输出的快照。重新安装失败而旧版本仍在服务时，
// State 保持 activated，ActiveVersion 为仍在服务的版本。
type Status struct {
	CacheName     string   `json:"cache_name"`
	State         State    `json:"state"`
	ActiveVersion string   `json:"active_version"`
	Buckets       []string `json:"buckets"`
	Entries       int      `json:"entries"`
}

// NewWorker 构造 Worker，状态为 parsed，尚未控制任何请求。
func NewWorker(opts Options, client *http.Client, storage cache.Storage, logger *logrus.Logger) (*Worker, error) {
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name is required")
	}
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if storage == nil {
		return nil, errors.New("storage is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	if !containsMarker(opts.BypassMarkers, config.APIMarker) {
		opts.BypassMarkers = append([]string{config.APIMarker}, opts.BypassMarkers...)
	}

	w := &Worker{
		opts:    opts,
		origin:  strings.TrimRight(opts.Origin.String(), "/"),
		client:  client,
		storage: storage,
		logger:  logger,
	}
	w.writer = cache.NewWriter(w.logStoreFailure)
	w.state.Store(StateParsed)
	return w, nil
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// CacheName 返回本 Worker 负责的版本名。
func (w *Worker) CacheName() string {
	return w.opts.CacheName
}

// Active 返回正在服务的 bucket；安装从未成功时 ok 为 false。
func (w *Worker) Active() (name string, bucket cache.Bucket, ok bool) {
	current := w.active.Load()
	if current == nil {
		return "", nil, false
	}
	return current.name, current.bucket, true
}

// Storage 暴露底层缓存存储，供回退查找使用。
func (w *Worker) Storage() cache.Storage {
	return w.storage
}

// Flush 等待所有后台缓存写入完成。
func (w *Worker) Flush() {
	w.writer.Flush()
}

// Start 恢复上次激活的版本后执行 Install + Activate。安装失败时如果已有旧版本在服务，
// 返回的错误仍然包装 ErrInstallFailed，但 Worker 继续使用旧版本；否则额外包装 ErrNoActiveVersion。
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.active.Load() == nil {
		if err := w.restoreActive(ctx); err != nil {
			return err
		}
	}

	if err := w.install(ctx); err != nil {
		if name, _, ok := w.Active(); ok {
			w.logger.WithFields(logging.LifecycleFields("install", w.opts.CacheName, string(w.State()))).
				WithField("serving", name).
				WithError(err).
				Warn("install failed, previous version keeps serving")
			return err
		}
		return fmt.Errorf("%w: %w", ErrNoActiveVersion, err)
	}
	return w.activate(ctx)
}

// Install 预取全部资源并写入当前版本的 bucket。
func (w *Worker) Install(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.install(ctx)
}

// Activate 删除其它版本的 bucket 并把当前版本切换为服务版本。
func (w *Worker) Activate(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.activate(ctx)
}

// Status 汇总当前版本、bucket 列表与服务 bucket 的条目数。
func (w *Worker) Status(ctx context.Context) (Status, error) {
	status := Status{
		CacheName: w.opts.CacheName,
		State:     w.State(),
	}
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return status, err
	}
	status.Buckets = names
	if name, bucket, ok := w.Active(); ok {
		status.ActiveVersion = name
		keys, err := bucket.Keys(ctx)
		if err != nil {
			return status, err
		}
		status.Entries = len(keys)
	}
	return status, nil
}

func (w *Worker) restoreActive(ctx context.Context) error {
	name, err := w.storage.ActiveVersion(ctx)
	if err != nil {
		return fmt.Errorf("read active version: %w", err)
	}
	if name == "" {
		return nil
	}
	bucket, err := w.storage.Get(ctx, name)
	if errors.Is(err, cache.ErrBucketNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open active bucket %s: %w", name, err)
	}
	w.active.Store(&activeBucket{name: name, bucket: bucket})
	w.logger.WithFields(logging.LifecycleFields("restore", name, string(w.State()))).
		Info("previous version restored")
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	started := time.Now()
	w.installed = false
	w.state.Store(StateInstalling)

	bucket, err := w.storage.Open(ctx, w.opts.CacheName)
	if err == nil {
		err = w.precache(ctx, bucket)
	}
	if err != nil {
		// 本次安装作废；已有版本在服务时仍处于 activated。
		next := StateRedundant
		if w.active.Load() != nil {
			next = StateActivated
		}
		w.state.Store(next)
		w.logger.WithFields(logging.LifecycleFields("install", w.opts.CacheName, string(next))).
			WithField("elapsed_ms", time.Since(started).Milliseconds()).
			WithError(err).
			Error("install failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.installed = true
	w.state.Store(StateInstalled)
	w.logger.WithFields(logging.LifecycleFields("install", w.opts.CacheName, string(StateInstalled))).
		WithField("assets", len(w.opts.Assets)).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("install complete")
	return nil
}

// precache 并发抓取全部资源，全部成功后才一次性写入。
func (w *Worker) precache(ctx context.Context, bucket cache.Bucket) error {
	items := make([]cache.Item, len(w.opts.Assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range w.opts.Assets {
		g.Go(func() error {
			target := w.absoluteURL(asset)
			resp, err := w.fetchAsset(gctx, target)
			if err != nil {
				return fmt.Errorf("asset %s: %w", asset, err)
			}
			items[i] = cache.Item{Key: cache.NewRequestKey(http.MethodGet, target), Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return bucket.PutAll(ctx, items)
}

func (w *Worker) fetchAsset(ctx context.Context, target string) (cache.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return cache.Response{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return cache.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return cache.Response{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return readResponse(resp)
}

func (w *Worker) activate(ctx context.Context) error {
	if !w.installed {
		return fmt.Errorf("%w: state %s", ErrNotInstalled, w.State())
	}
	w.state.Store(StateActivating)

	// 删除旧桶前等待已提交的后台写入落盘；之后迟到的写入会因桶不存在而被丢弃。
	w.writer.Flush()

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return w.failActivate(fmt.Errorf("list buckets: %w", err))
	}
	var removed []string
	for _, name := range names {
		if name == w.opts.CacheName {
			continue
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return w.failActivate(fmt.Errorf("delete bucket %s: %w", name, err))
		}
		removed = append(removed, name)
	}

	bucket, err := w.storage.Get(ctx, w.opts.CacheName)
	if err != nil {
		return w.failActivate(fmt.Errorf("open bucket %s: %w", w.opts.CacheName, err))
	}
	if err := w.storage.SetActiveVersion(ctx, w.opts.CacheName); err != nil {
		return w.failActivate(fmt.Errorf("record active version: %w", err))
	}
	w.active.Store(&activeBucket{name: w.opts.CacheName, bucket: bucket})
	w.state.Store(StateActivated)

	w.logger.WithFields(logging.LifecycleFields("activate", w.opts.CacheName, string(StateActivated))).
		WithField("removed", removed).
		Info("activate complete")
	return nil
}

// failActivate 回到 installed，下次 Activate 可以重试。
func (w *Worker) failActivate(err error) error {
	w.state.Store(StateInstalled)
	w.logger.WithFields(logging.LifecycleFields("activate", w.opts.CacheName, string(StateInstalled))).
		WithError(err).
		Error("activate failed")
	return err
}

// absoluteURL 将请求 URI（路径 + 查询）拼接到源站，作为缓存键的 URL。
func (w *Worker) absoluteURL(requestURI string) string {
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return w.origin + requestURI
}

func (w *Worker) isBypassed(target string) bool {
	return config.WorkerConfig{BypassMarkers: w.opts.BypassMarkers}.IsBypassed(target)
}

func containsMarker(markers []string, marker string) bool {
	for _, candidate := range markers {
		if candidate == marker {
			return true
		}
	}
	return false
}

func (w *Worker) logStoreFailure(bucket string, key cache.RequestKey, err error) {
	fields := logging.RequestFields(bucket, key.Method, key.URL, "store_failed")
	fields["action"] = "cache_put"
	if errors.Is(err, cache.ErrNotStorable) || errors.Is(err, cache.ErrBucketNotFound) {
		w.logger.WithFields(fields).WithError(err).Debug("response not cached")
		return
	}
	w.logger.WithFields(fields).WithError(err).Warn("cache_put_failed")
}
