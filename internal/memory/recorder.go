package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/llm"
	"VCMilei/internal/observability/metrics"
	"VCMilei/internal/orchestrator"
	"VCMilei/pkg/logger"
)

const (
	defaultThreshold   = 0.7
	defaultSearchLimit = 5
	defaultSaveTimeout = 30 * time.Second
)

// Recorder 负责异步写入与语义检索。
type Recorder struct {
	store       Store
	embedder    llm.Embedder
	threshold   float64
	limit       int
	saveTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	log    *slog.Logger
}

// Option 定义 Recorder 的可选配置。
type Option func(*Recorder)

// WithThreshold 设置检索的最低相似度。
func WithThreshold(threshold float64) Option {
	return func(r *Recorder) {
		if threshold > 0 {
			r.threshold = threshold
		}
	}
}

// WithSearchLimit 设置默认的检索条数。
func WithSearchLimit(limit int) Option {
	return func(r *Recorder) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// WithSaveTimeout 设置单条记忆向量化与写入的超时时间。
func WithSaveTimeout(timeout time.Duration) Option {
	return func(r *Recorder) {
		if timeout > 0 {
			r.saveTimeout = timeout
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder 创建记忆记录器。embedder 为空时记忆仍会保存，但无法参与语义检索。
func NewRecorder(store Store, embedder llm.Embedder, opts ...Option) *Recorder {
	r := &Recorder{
		store:       store,
		embedder:    embedder,
		threshold:   defaultThreshold,
		limit:       defaultSearchLimit,
		saveTimeout: defaultSaveTimeout,
		now:         time.Now,
		log:         logger.Named("memory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record 异步保存一段文本，立即返回。空文本被忽略。
func (r *Recorder) Record(content string, category Category) {
	if r == nil || r.store == nil || strings.TrimSpace(content) == "" {
		return
	}
	record := Record{
		ID:        uuid.NewString(),
		Content:   content,
		Category:  category,
		CreatedAt: r.now().UTC(),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warn("记录器已关闭，丢弃记忆", slog.String("category", string(category)))
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
		defer cancel()
		if err := r.save(ctx, record); err != nil {
			r.log.Error("保存记忆失败",
				slog.String("id", record.ID),
				slog.String("category", string(category)),
				slog.Any("error", err),
			)
		}
	}()
}

// Save 同步保存记忆，返回写入后的记录。
func (r *Recorder) Save(ctx context.Context, content string, category Category) (Record, error) {
	if strings.TrimSpace(content) == "" {
		return Record{}, xerrors.New(xerrors.CodeInvalidArgument, "记忆内容不能为空")
	}
	record := Record{
		ID:        uuid.NewString(),
		Content:   content,
		Category:  category,
		CreatedAt: r.now().UTC(),
	}
	if err := r.save(ctx, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (r *Recorder) save(ctx context.Context, record Record) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = xerrors.New(xerrors.CodeStorageFailure, "保存记忆时发生 panic", xerrors.WithMetadata("panic", fmt.Sprint(recovered)))
		}
		metrics.ObserveMemoryWrite(string(record.Category), err)
	}()

	if r.embedder != nil {
		vector, embedErr := r.embedder.Embed(ctx, record.Content)
		if embedErr != nil {
			r.log.Warn("生成记忆向量失败，保存不带向量的记录",
				slog.String("id", record.ID),
				slog.Any("error", embedErr),
			)
		} else {
			record.Embedding = vector
		}
	}
	if _, err := r.store.Save(ctx, record); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆失败")
		}
		return err
	}
	return nil
}

// Search 按语义相似度检索记忆，limit 为 0 时使用默认条数。
func (r *Recorder) Search(ctx context.Context, query string, category Category, limit int) ([]Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "检索内容不能为空")
	}
	if r.embedder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置向量模型，无法检索记忆")
	}
	if limit <= 0 {
		limit = r.limit
	}
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	records, err := r.store.Load(ctx, Filter{Category: category})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, limit)
	for _, record := range records {
		score := cosine(vector, record.Embedding)
		if score < r.threshold {
			continue
		}
		record.Embedding = nil
		matches = append(matches, Match{Record: record, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Observer 返回一个编排观察者，将每轮产生的文本记录为指定类别的记忆。
func (r *Recorder) Observer(category Category) orchestrator.StepFunc {
	return func(_ context.Context, step orchestrator.Step) {
		r.Record(step.Text, category)
	}
}

// Close 停止接收新的记忆并等待进行中的写入完成。
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待记忆写入完成超时")
	}
}
