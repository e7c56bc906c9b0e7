package task

import (
	"slices"
	"strings"
	"time"

	"VCMilei/internal/agent"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// SortOrder 决定任务列表按更新时间排序的方向。
type SortOrder int

const (
	// SortByUpdatedDesc 最近更新的任务在前，是默认顺序。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 最早更新的任务在前。
	SortByUpdatedAsc
)

// ListOptions 是任务查询条件。时间窗口以 Unix 秒表示，0 表示不限。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Kinds      []agent.Kind
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	// Query 对任务 ID、输入与最后一次错误做不区分大小写的子串匹配。
	Query string
}

// ListOption 修改查询条件。
type ListOption func(*ListOptions)

// WithLimit 设置分页大小，超出上限时截断为 100。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 offset 条匹配结果。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回处于指定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithKinds 只返回指定类型的智能体任务。
func WithKinds(kinds ...agent.Kind) ListOption {
	return func(o *ListOptions) { o.Kinds = slices.Clone(kinds) }
}

// WithUpdatedSince 只返回在 ts 及之后更新的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回在 ts 及之前更新的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已经产出结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

// WithSortOrder 设置排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery 设置关键字过滤。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

// buildListOptions 依次应用选项并规范化。
func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o.normalized()
}

// normalized 把查询条件收敛到存储层可以直接使用的形式。
func (o ListOptions) normalized() ListOptions {
	o.Limit = clampPage(o.Limit)
	o.Offset = max(o.Offset, 0)
	o.Statuses = keepValid(o.Statuses, IsValidStatus)
	o.Kinds = keepValid(o.Kinds, agent.Kind.Valid)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Query = strings.TrimSpace(o.Query)
	return o
}

func clampPage(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

// keepValid 去重并剔除非法值，结果为空时返回 nil 表示不过滤。
func keepValid[T comparable](values []T, valid func(T) bool) []T {
	var out []T
	for _, v := range values {
		if valid(v) && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
