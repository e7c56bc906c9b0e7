package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/memory"
)

func TestListKey(t *testing.T) {
	store, err := NewMemoryStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if got := store.listKey(""); got != "vcmilei:memories:all" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := store.listKey(memory.CategoryInvestment); got != "vcmilei:memories:investment" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestDecodeRecordsSkipsCorruptEntries(t *testing.T) {
	records := decodeRecords([]string{`{"id":"a","content":"x","type":"Learning"}`, `{broken`}, "k")
	if len(records) != 1 || records[0].ID != "a" || records[0].Category != memory.CategoryLearning {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestNewMemoryStoreRequiresClient(t *testing.T) {
	if _, err := NewMemoryStore(nil, ""); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("VCMILEI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 VCMILEI_TEST_REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	prefix := "vcmilei:test:" + uuid.NewString()
	store, err := NewMemoryStore(client, prefix)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer client.Del(ctx, store.listKey(""), store.listKey(memory.CategoryAnalysis), store.listKey(memory.CategoryLegal))

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, category := range []memory.Category{memory.CategoryAnalysis, memory.CategoryLegal, memory.CategoryAnalysis} {
		record := memory.Record{ID: uuid.NewString(), Content: string(rune('a' + i)), Category: category, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if _, err := store.Save(ctx, record); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	analysis, err := store.Load(ctx, memory.Filter{Category: memory.CategoryAnalysis})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(analysis) != 2 || analysis[0].Content != "a" || analysis[1].Content != "c" {
		t.Fatalf("unexpected analysis records: %+v", analysis)
	}

	latest, err := store.Load(ctx, memory.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(latest) != 2 || latest[0].Content != "b" || latest[1].Content != "c" {
		t.Fatalf("unexpected latest records: %+v", latest)
	}
}
