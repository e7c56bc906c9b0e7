package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"VCMilei/internal/agent"
	"VCMilei/internal/auth"
	"VCMilei/internal/dispatch"
	"VCMilei/internal/memory"
	"VCMilei/internal/observability/metrics"
	"VCMilei/internal/task"
	"VCMilei/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Executor 同步执行一次智能体任务，通常由 agent.Router 实现。
type Executor interface {
	Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error)
}

// MemorySearcher 提供语义记忆检索。
type MemorySearcher interface {
	Search(ctx context.Context, query string, category memory.Category, limit int) ([]memory.Match, error)
}

// LedgerSource 返回各推送源的账本快照。
type LedgerSource interface {
	Snapshots() map[string]dispatch.Snapshot
}

// Dependencies 汇总服务端需要的组件，未配置的组件对应的接口返回 503。
type Dependencies struct {
	Agents  Executor
	Tasks   *task.Service
	Memory  MemorySearcher
	Ledgers LedgerSource
	// Auth 为空或未配置 Key 时不做认证。
	Auth *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr   string
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	if addr == "" {
		addr = ":3078"
	}
	return &Server{addr: addr, deps: deps, logger: logger.Named("api"), now: time.Now}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", s.guard(auth.PermissionAgentsRun, s.handleAgent(agent.KindChat)))
	mux.Handle("POST /api/reports/market", s.guard(auth.PermissionAgentsRun, s.handleAgent(agent.KindMarket)))
	mux.Handle("POST /api/reports/news", s.guard(auth.PermissionAgentsRun, s.handleAgent(agent.KindNews)))
	mux.Handle("POST /api/reports/social", s.guard(auth.PermissionAgentsRun, s.handleAgent(agent.KindSocial)))
	mux.Handle("POST /api/legal", s.guard(auth.PermissionAgentsRun, s.handleAgent(agent.KindLegal)))
	mux.Handle("POST /api/v1/tasks", s.guard(auth.PermissionTasksWrite, s.handleCreateTask))
	mux.Handle("GET /api/v1/tasks", s.guard(auth.PermissionRead, s.handleListTasks))
	mux.Handle("GET /api/v1/tasks/{id}", s.guard(auth.PermissionRead, s.handleTaskDetail))
	mux.Handle("GET /api/memories/search", s.guard(auth.PermissionRead, s.handleMemorySearch))
	mux.Handle("GET /api/ledger", s.guard(auth.PermissionRead, s.handleLedger))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		s.logger.Info("HTTP 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Ledgers == nil {
		s.writeUnavailable(w, "推送账本未启用")
		return
	}
	s.writeData(w, http.StatusOK, s.deps.Ledgers.Snapshots())
}

// instrument 记录每个请求的路由、方法、状态码与耗时。
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(route, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decodeBody(r *http.Request, w http.ResponseWriter) (json.RawMessage, error) {
	var raw json.RawMessage
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
