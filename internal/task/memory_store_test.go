package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"VCMilei/internal/agent"
)

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) tick() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newSteppingStore() *MemoryStore {
	clock := &steppingClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.now = clock.tick
	return store
}

func seedTasks(t *testing.T, store *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	tasks := []*Task{
		{ID: "t1", Kind: agent.KindMarket, Input: json.RawMessage(`{"dateRange":"7d"}`), MaxRetries: 3},
		{ID: "t2", Kind: agent.KindSocial, Input: json.RawMessage(`{"username":"milei"}`), MaxRetries: 3},
		{ID: "t3", Kind: agent.KindNews, Input: json.RawMessage(`{"asset":"eth"}`), MaxRetries: 3},
	}
	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "rate limited", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", ExecutionResult{Output: json.RawMessage(`{"report":"ok"}`)}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := newSteppingStore()
	seedTasks(t, store)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "t3" || all[2].ID != "t1" {
		t.Fatalf("expected newest task first, got %+v", all)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].ID != "t3" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	market, err := store.List(ctx, buildListOptions([]ListOption{WithKinds(agent.KindMarket)}))
	if err != nil {
		t.Fatalf("list by kind: %v", err)
	}
	if len(market) != 1 || market[0].ID != "t1" {
		t.Fatalf("unexpected kind list: %+v", market)
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("MILEI")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t2" {
		t.Fatalf("unexpected query list: %+v", matched)
	}

	page, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithOffset(1), WithLimit(1)}))
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "t2" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := newSteppingStore()
	seedTasks(t, store)
	ctx := context.Background()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt >= stats.NewestUpdatedAt {
		t.Fatalf("unexpected range: %d..%d", stats.OldestUpdatedAt, stats.NewestUpdatedAt)
	}

	withoutResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(false)}))
	if err != nil {
		t.Fatalf("stats without result: %v", err)
	}
	if withoutResults.Total != 2 || withoutResults.Pending != 1 || withoutResults.Failed != 1 {
		t.Fatalf("unexpected stats without result: %+v", withoutResults)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := newSteppingStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "c1", Kind: agent.KindChat, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "c1", Kind: agent.KindChat}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := store.Claim(ctx, "c1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected first claim: %+v, %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "c1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "c1", CodeTaskProcessing, "timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if task, _ := store.Get(ctx, "c1"); task.Status != StatusPending {
		t.Fatalf("retryable failure should return to pending, got %s", task.Status)
	}

	if _, err := store.Claim(ctx, "c1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "c1", CodeTaskProcessing, "timeout", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "c1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := newSteppingStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "m1", Kind: agent.KindChat, Metadata: map[string]string{"source": "api"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	task, _ := store.Get(ctx, "m1")
	task.Metadata["source"] = "mutated"
	again, _ := store.Get(ctx, "m1")
	if again.Metadata["source"] != "api" {
		t.Fatalf("store leaked internal state: %v", again.Metadata)
	}
}

func TestBuildFilterClause(t *testing.T) {
	hasResult := true
	clause, args := buildFilterClause(ListOptions{
		Statuses:  []Status{StatusPending, StatusFailed},
		Kinds:     []agent.Kind{agent.KindNews},
		HasResult: &hasResult,
		Query:     "eth",
	})
	want := "status IN (?,?) AND kind IN (?) AND (output IS NOT NULL AND output <> '') AND (id LIKE ? OR input LIKE ? OR last_error LIKE ?)"
	if clause != want {
		t.Fatalf("unexpected clause:\n%s", clause)
	}
	if len(args) != 6 || args[3] != "%eth%" {
		t.Fatalf("unexpected args: %v", args)
	}
}
