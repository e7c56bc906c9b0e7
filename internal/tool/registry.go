package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	xerrors "VCMilei/internal/errors"
	"VCMilei/internal/llm"
	"VCMilei/internal/observability/metrics"
	"VCMilei/pkg/logger"
)

// ErrUnknownTool 是调用未注册工具时写入 Result.Error 的文本。
const ErrUnknownTool = "unknown tool"

// ErrInvalidJSONArguments 是模型给出的参数无法解析为 JSON 时写入 Result.Error 的文本。
const ErrInvalidJSONArguments = "validation error: invalid JSON arguments"

// Func 是工具的执行函数。参数已经过 Schema 校验。
type Func func(ctx context.Context, args map[string]any) Result

// Spec 描述一个可被模型调用的工具。
type Spec struct {
	Name        string
	Description string
	Schema      Schema
	// SideEffect 标记会对外部产生可见影响的工具（转账、兑换、发帖），其执行会写入审计日志。
	SideEffect bool
	Execute    Func
}

type entry struct {
	spec     Spec
	document map[string]any
	compiled *gojsonschema.Schema
}

// Registry 是一次 Agent 调用所使用的工具集合。每次请求都应重新构建，避免跨请求共享闭包状态。
type Registry struct {
	entries map[string]*entry
	order   []string
}

// NewRegistry 使用给定的工具构建注册表。
func NewRegistry(specs ...Spec) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(specs))}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册工具，名称必须唯一。
func (r *Registry) Register(spec Spec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if spec.Execute == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少执行函数", name))
	}
	if _, exists := r.entries[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 重复注册", name))
	}
	document := spec.Schema.Map()
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(document))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("工具 %s 的参数 Schema 无效", name))
	}
	spec.Name = name
	r.entries[name] = &entry{spec: spec, document: document, compiled: compiled}
	r.order = append(r.order, name)
	return nil
}

// Lookup 按名称查找工具。
func (r *Registry) Lookup(name string) (Spec, bool) {
	if r == nil {
		return Spec{}, false
	}
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// Names 返回按名称排序的工具列表。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Len 返回工具数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Declarations 按注册顺序返回提供给模型的工具声明。
func (r *Registry) Declarations() []llm.ToolDeclaration {
	if r == nil {
		return nil
	}
	decls := make([]llm.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		decls = append(decls, llm.ToolDeclaration{
			Name:        e.spec.Name,
			Description: e.spec.Description,
			Parameters:  e.document,
		})
	}
	return decls
}

// Execute 校验参数并执行工具。任何失败都被捕获进 Result，从不向调用方抛出。
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result Result) {
	var e *entry
	if r != nil {
		e = r.entries[name]
	}
	if e == nil {
		metrics.ObserveToolCall(name, "unknown")
		logger.L().Warn("模型请求了未注册的工具", slog.String("tool", name))
		return Result{Success: false, Error: ErrUnknownTool}
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := validate(name, e.compiled, args); err != nil {
		metrics.ObserveToolCall(name, "invalid")
		logger.L().Info("工具参数校验失败", slog.String("tool", name), slog.Any("error", err))
		return Result{Success: false, Error: err.Error()}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.L().Error("工具执行发生 panic", slog.String("tool", name), slog.Any("panic", recovered))
			result = Failf("tool %s panicked: %v", name, recovered)
			metrics.ObserveToolCall(name, "failed")
		}
	}()

	result = e.spec.Execute(ctx, args)
	if !result.Success && result.Error == "" {
		result.Error = "tool reported failure without detail"
	}

	outcome := "ok"
	if !result.Success {
		outcome = "failed"
	}
	metrics.ObserveToolCall(name, outcome)
	if e.spec.SideEffect {
		logger.Audit().Info("执行外部副作用工具",
			slog.String("tool", name),
			slog.Bool("success", result.Success),
			slog.String("error", result.Error),
		)
	}
	return result
}

// ValidationError 表示工具参数未通过 Schema 校验，工具不会被执行。
type ValidationError struct {
	Tool     string
	Problems []string
}

// Error 实现 error 接口。
func (e *ValidationError) Error() string {
	return "validation error: " + strings.Join(e.Problems, "; ")
}

// Unwrap 使 xerrors.CodeOf 能够识别为 CodeToolValidation。
func (e *ValidationError) Unwrap() error {
	return xerrors.New(xerrors.CodeToolValidation, "")
}

// Validate 仅做参数校验而不执行工具。
func (r *Registry) Validate(name string, args map[string]any) error {
	var e *entry
	if r != nil {
		e = r.entries[name]
	}
	if e == nil {
		return xerrors.New(xerrors.CodeUnknownTool, ErrUnknownTool, xerrors.WithMetadata("tool", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	return validate(name, e.compiled, args)
}

func validate(name string, schema *gojsonschema.Schema, args map[string]any) error {
	outcome, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: name, Problems: []string{err.Error()}}
	}
	if outcome.Valid() {
		return nil
	}
	problems := make([]string, 0, len(outcome.Errors()))
	for _, desc := range outcome.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Tool: name, Problems: problems}
}
