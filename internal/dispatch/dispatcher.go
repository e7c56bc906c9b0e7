package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/observability/alerting"
	"VCMilei/internal/observability/metrics"
	"VCMilei/pkg/logger"
)

const (
	defaultInterval   = time.Minute
	defaultFetchLimit = 20
)

// Item 是信息流中的一个条目。
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Feed 是可轮询的外部信息流。
type Feed interface {
	Name() string
	FetchRecent(ctx context.Context, limit int) ([]Item, error)
}

// Handler 处理单个新条目。
type Handler func(ctx context.Context, item Item) error

// Policy 决定处理失败的条目是否记入账本。
type Policy string

const (
	// PolicyAtMostOnce 无论处理成功与否都记入账本，失败的条目不会重放。
	PolicyAtMostOnce Policy = "at-most-once"
	// PolicyAtLeastOnce 失败的条目不记入账本，本轮在该条目处停止，下一轮重试。
	PolicyAtLeastOnce Policy = "at-least-once"
)

// ParsePolicy 解析配置中的策略名称，未知值回退为 at-most-once。
func ParsePolicy(value string) Policy {
	switch Policy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicyAtLeastOnce:
		return PolicyAtLeastOnce
	default:
		return PolicyAtMostOnce
	}
}

// PollStats 汇总一次轮询的结果。
type PollStats struct {
	Fetched int
	Unseen  int
	Handled int
	Failed  int
}

// Dispatcher 管理所有信息流的轮询器与周期任务。
type Dispatcher struct {
	mu       sync.Mutex
	watchers []*Watcher
	jobs     []*job
	policy   Policy
	alerts   alerting.Dispatcher
	now      func() time.Time
}

// Option 定义 Dispatcher 的可选配置。
type Option func(*Dispatcher)

// WithPolicy 设置默认的投递策略。
func WithPolicy(policy Policy) Option {
	return func(d *Dispatcher) {
		if policy != "" {
			d.policy = policy
		}
	}
}

// WithAlerts 设置处理失败时的告警通道。
func WithAlerts(alerts alerting.Dispatcher) Option {
	return func(d *Dispatcher) {
		d.alerts = alerts
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New 创建 Dispatcher。
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{policy: PolicyAtMostOnce, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Watcher 负责单个信息流的轮询。
type Watcher struct {
	feed      Feed
	handler   Handler
	interval  time.Duration
	limit     int
	policy    Policy
	immediate bool
	ledger    *Ledger
	store     LedgerStore
	alerts    alerting.Dispatcher
	now       func() time.Time
	log       *slog.Logger
}

// WatchOption 定义单个信息流的配置。
type WatchOption func(*Watcher)

// WithInterval 设置轮询间隔。
func WithInterval(interval time.Duration) WatchOption {
	return func(w *Watcher) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithFetchLimit 设置每次拉取的最大条目数。
func WithFetchLimit(limit int) WatchOption {
	return func(w *Watcher) {
		if limit > 0 {
			w.limit = limit
		}
	}
}

// WithLedger 设置账本存储与容量。
func WithLedger(store LedgerStore, capacity int) WatchOption {
	return func(w *Watcher) {
		w.store = store
		w.ledger = NewLedger(capacity)
	}
}

// WithWatchPolicy 覆盖该信息流的投递策略。
func WithWatchPolicy(policy Policy) WatchOption {
	return func(w *Watcher) {
		if policy != "" {
			w.policy = policy
		}
	}
}

// WithImmediateStart 启动时立即执行一次轮询，而不是等待第一个间隔。
func WithImmediateStart() WatchOption {
	return func(w *Watcher) {
		w.immediate = true
	}
}

// Watch 注册一个信息流并加载其账本。账本不存在或损坏时以空账本开始并立即写回。
func (d *Dispatcher) Watch(ctx context.Context, feed Feed, handler Handler, opts ...WatchOption) (*Watcher, error) {
	if feed == nil || handler == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "信息流与处理函数不能为空")
	}
	w := &Watcher{
		feed:     feed,
		handler:  handler,
		interval: defaultInterval,
		limit:    defaultFetchLimit,
		policy:   d.policy,
		ledger:   NewLedger(DefaultLedgerCapacity),
		alerts:   d.alerts,
		now:      d.now,
		log:      logger.Named("dispatch").With(slog.String("feed", feed.Name())),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	if w.store != nil {
		snapshot, ok, err := w.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		w.ledger.Restore(snapshot)
		if !ok {
			if err := w.store.Save(ctx, w.ledger.Snapshot()); err != nil {
				return nil, err
			}
		}
		w.log.Info("账本已加载", slog.Int("processed", w.ledger.Len()))
	}

	d.mu.Lock()
	d.watchers = append(d.watchers, w)
	d.mu.Unlock()
	return w, nil
}

type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// Every 注册一个周期任务，例如定时发布新闻。
func (d *Dispatcher) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if fn == nil || interval <= 0 {
		return
	}
	d.mu.Lock()
	d.jobs = append(d.jobs, &job{name: name, interval: interval, fn: fn})
	d.mu.Unlock()
}

// Snapshots 返回每个信息流的账本快照。
func (d *Dispatcher) Snapshots() map[string]Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Snapshot, len(d.watchers))
	for _, w := range d.watchers {
		out[w.feed.Name()] = w.ledger.Snapshot()
	}
	return out
}

// Run 并发运行所有轮询器与周期任务，直到 ctx 被取消。
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	watchers := append([]*Watcher(nil), d.watchers...)
	jobs := append([]*job(nil), d.jobs...)
	d.mu.Unlock()

	group, ctx := errgroup.WithContext(ctx)
	for _, w := range watchers {
		w := w
		group.Go(func() error { return w.run(ctx) })
	}
	for _, j := range jobs {
		j := j
		group.Go(func() error { return j.run(ctx) })
	}
	return group.Wait()
}

func (w *Watcher) run(ctx context.Context) error {
	w.log.Info("开始轮询", slog.Duration("interval", w.interval), slog.Int("limit", w.limit))
	if w.immediate {
		w.tick(ctx)
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("停止轮询")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	stats, err := w.Poll(ctx)
	if err != nil {
		w.log.Error("轮询失败", slog.Any("error", err))
		return
	}
	if stats.Unseen > 0 {
		w.log.Info("轮询完成",
			slog.Int("fetched", stats.Fetched),
			slog.Int("unseen", stats.Unseen),
			slog.Int("handled", stats.Handled),
			slog.Int("failed", stats.Failed),
		)
	}
}

// Poll 执行一次轮询：拉取、过滤、按时间先后处理新条目，每个条目处理后立即落盘账本。
func (w *Watcher) Poll(ctx context.Context) (PollStats, error) {
	var stats PollStats
	items, err := w.feed.FetchRecent(ctx, w.limit)
	if err != nil {
		metrics.ObserveDispatch(w.feed.Name(), "fetch_failed")
		return stats, xerrors.Wrap(xerrors.CodeTransport, err, "拉取信息流失败")
	}
	stats.Fetched = len(items)

	unseen := w.unseen(items)
	stats.Unseen = len(unseen)

	for i := len(unseen) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item := unseen[i]
		if handleErr := w.handle(ctx, item); handleErr != nil {
			stats.Failed++
			metrics.ObserveDispatch(w.feed.Name(), "failed")
			w.log.Error("处理条目失败",
				slog.String("item_id", item.ID),
				slog.String("author", item.Author),
				slog.Any("error", handleErr),
			)
			w.alert(ctx, item, handleErr)
			if w.policy == PolicyAtLeastOnce {
				return stats, nil
			}
		} else {
			stats.Handled++
			metrics.ObserveDispatch(w.feed.Name(), "handled")
		}

		if err := w.commit(ctx, item.ID); err != nil {
			w.alert(ctx, item, err)
			return stats, err
		}
	}
	return stats, nil
}

// unseen 按时间从新到旧扫描，遇到第一个已处理的条目即停止，返回从新到旧排列的未处理条目。
func (w *Watcher) unseen(items []Item) []Item {
	candidates := make([]Item, 0, len(items))
	for _, item := range items {
		if item.ID == "" || item.Timestamp.IsZero() {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})

	seen := make(map[string]struct{}, len(candidates))
	out := make([]Item, 0, len(candidates))
	for _, item := range candidates {
		if w.ledger.Contains(item.ID) {
			break
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
	}
	return out
}

func (w *Watcher) handle(ctx context.Context, item Item) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("处理函数发生 panic: %v", recovered))
		}
	}()
	return w.handler(ctx, item)
}

// commit 先将含该 ID 的快照落盘，成功后才写入内存账本。落盘失败时本轮停止，不再处理后续条目。
func (w *Watcher) commit(ctx context.Context, id string) error {
	now := w.now().UTC()
	if w.store == nil {
		w.ledger.Add(id, now)
		return nil
	}
	if err := w.store.Save(ctx, w.ledger.SnapshotWith(id, now)); err != nil {
		metrics.ObserveDispatch(w.feed.Name(), "ledger_failed")
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "账本落盘失败",
			xerrors.WithMetadata("item_id", id),
			xerrors.WithMetadata("feed", w.feed.Name()),
		)
	}
	w.ledger.Add(id, now)
	return nil
}

func (w *Watcher) alert(ctx context.Context, item Item, err error) {
	if w.alerts == nil {
		return
	}
	event := alerting.FromError("dispatch."+w.feed.Name(), item.ID, err)
	if notifyErr := w.alerts.Notify(ctx, event); notifyErr != nil {
		w.log.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}

// Ledger 返回该信息流的账本。
func (w *Watcher) Ledger() *Ledger { return w.ledger }

func (j *job) run(ctx context.Context) error {
	log := logger.Named("dispatch").With(slog.String("job", j.name))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := j.invoke(ctx); err != nil {
				log.Error("周期任务执行失败", slog.Any("error", err))
			}
		}
	}
}

func (j *job) invoke(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("周期任务发生 panic: %v", recovered)
		}
	}()
	return j.fn(ctx)
}
