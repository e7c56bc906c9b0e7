package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"VCMilei/internal/agent"
	"VCMilei/internal/memory"
	"VCMilei/internal/task"
)

// handleAgent 同步执行指定类型的智能体，请求体即该智能体的输入。
func (s *Server) handleAgent(kind agent.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Agents == nil {
			s.writeUnavailable(w, "智能体未初始化")
			return
		}
		input, err := decodeBody(r, w)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.writeBadRequest(w, "请求体解析失败")
				return
			}
			input = json.RawMessage(`{}`)
		}
		result, err := s.deps.Agents.Execute(r.Context(), agent.TaskRequest{Kind: kind, Input: input})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeData(w, http.StatusOK, result.Output)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeUnavailable(w, "异步任务未启用")
		return
	}
	var req agent.TaskRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		s.writeBadRequest(w, "请求体解析失败")
		return
	}
	created, err := s.deps.Tasks.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeUnavailable(w, "异步任务未启用")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	tasks, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{"tasks": tasks, "stats": stats})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeUnavailable(w, "异步任务未启用")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		s.writeBadRequest(w, "缺少任务 ID")
		return
	}
	found, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, http.StatusOK, found)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		s.writeUnavailable(w, "记忆检索未启用")
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.writeBadRequest(w, "缺少查询参数 q")
		return
	}
	category := memory.Category(r.URL.Query().Get("category"))
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	matches, err := s.deps.Memory.Search(r.Context(), query, category, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []memory.Match{}
	}
	s.writeData(w, http.StatusOK, matches)
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	values := r.URL.Query()
	var opts []task.ListOption

	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		opts = append(opts, task.WithLimit(limit))
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := values.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, errors.New("未知的任务状态 " + part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := values.Get("kind"); raw != "" {
		kind := agent.Kind(raw)
		if !kind.Valid() {
			return nil, errors.New("未知的任务类型 " + raw)
		}
		opts = append(opts, task.WithKinds(kind))
	}
	if q := values.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if values.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	for name, option := range map[string]func(time.Time) task.ListOption{
		"updated_after":  task.WithUpdatedSince,
		"updated_before": task.WithUpdatedUntil,
	} {
		raw := strings.TrimSpace(values.Get(name))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("参数 " + name + " 必须是 RFC3339 时间")
		}
		opts = append(opts, option(ts))
	}
	if raw := values.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("参数 has_result 必须是布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	return opts, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New("参数 " + name + " 必须是非负整数")
	}
	return value, nil
}
