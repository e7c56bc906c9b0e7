package memory

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"VCMilei/internal/orchestrator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// keywordEmbedder 根据关键词生成固定维度的向量，便于断言相似度。
type keywordEmbedder struct {
	fail bool
}

func (e keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, stdErrors.New("embedding service down")
	}
	lower := strings.ToLower(text)
	vec := make([]float32, 3)
	for i, kw := range []string{"eth", "mode", "legal"} {
		if strings.Contains(lower, kw) {
			vec[i] = 1
		}
	}
	return vec, nil
}

// blockingStore 在 release 关闭前阻塞写入。
type blockingStore struct {
	mu      sync.Mutex
	release chan struct{}
	saved   []Record
	err     error
}

func (s *blockingStore) Save(ctx context.Context, record Record) (Record, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Record{}, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, record)
	return record, nil
}

func (s *blockingStore) Load(context.Context, Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.saved...), nil
}

func TestRecordIsFireAndForget(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	rec := NewRecorder(store, keywordEmbedder{})

	done := make(chan struct{})
	go func() {
		rec.Record("ETH looks strong", CategoryAnalysis)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Record must not block on persistence")
	}

	close(store.release)
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	saved, _ := store.Load(context.Background(), Filter{})
	if len(saved) != 1 || saved[0].Category != CategoryAnalysis || len(saved[0].Embedding) != 3 {
		t.Fatalf("unexpected saved records: %+v", saved)
	}
	if saved[0].ID == "" || saved[0].CreatedAt.IsZero() {
		t.Fatalf("record should carry id and timestamp: %+v", saved[0])
	}
}

func TestRecordIgnoresEmptyContentAndSurvivesFailures(t *testing.T) {
	store := &blockingStore{err: stdErrors.New("disk full")}
	rec := NewRecorder(store, keywordEmbedder{fail: true})

	rec.Record("   ", CategoryLearning)
	rec.Record("MODE partnership", CategoryLearning)
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("nothing should be saved: %+v", store.saved)
	}

	rec.Record("after close", CategoryLearning)
	if len(store.saved) != 0 {
		t.Fatalf("closed recorder must not save")
	}
}

func TestCloseHonoursContext(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	rec := NewRecorder(store, nil)
	rec.Record("pending", CategoryVCMilei)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rec.Close(ctx); err == nil {
		t.Fatalf("expected timeout while a save is in flight")
	}
	close(store.release)
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSearchAppliesThresholdAndLimit(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	rec := NewRecorder(store, keywordEmbedder{}, WithSearchLimit(2))
	ctx := context.Background()
	for _, text := range []string{"ETH rallies", "ETH and MODE", "Legal draft", "ETH again"} {
		if _, err := rec.Save(ctx, text, CategoryAnalysis); err != nil {
			t.Fatalf("save %q: %v", text, err)
		}
	}

	matches, err := rec.Search(ctx, "eth price", "", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected default limit 2, got %d", len(matches))
	}
	for _, m := range matches {
		if m.Score < 0.99 || !strings.Contains(m.Content, "ETH") {
			t.Fatalf("unexpected match: %+v", m)
		}
		if m.Embedding != nil {
			t.Fatalf("embeddings should not be returned")
		}
	}

	all, _ := rec.Search(ctx, "eth price", "", 10)
	if len(all) != 3 {
		t.Fatalf("expected three matches above threshold, got %d", len(all))
	}
	if last := all[2]; last.Content != "ETH and MODE" || last.Score > 0.71 {
		t.Fatalf("partial match should rank last: %+v", last)
	}
	if none, _ := rec.Search(ctx, "eth", CategoryLegal, 10); len(none) != 0 {
		t.Fatalf("category filter not applied: %+v", none)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	for i, cat := range []Category{CategoryAnalysis, CategoryLegal, CategoryAnalysis} {
		if _, err := store.Save(ctx, Record{ID: string(rune('a' + i)), Content: "x", Category: cat}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	records, _ := reopened.Load(ctx, Filter{Category: CategoryAnalysis, Limit: 1})
	if len(records) != 1 || records[0].ID != "c" {
		t.Fatalf("expected most recent analysis record, got %+v", records)
	}
}

func TestObserverRecordsStepText(t *testing.T) {
	store := &blockingStore{}
	rec := NewRecorder(store, nil)
	observe := rec.Observer(CategoryLegal)
	observe(context.Background(), orchestrator.Step{Text: "clause 1"})
	observe(context.Background(), orchestrator.Step{})
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(store.saved) != 1 || store.saved[0].Content != "clause 1" {
		t.Fatalf("unexpected records: %+v", store.saved)
	}
}
