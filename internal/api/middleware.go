package api

import (
	"log/slog"
	"net/http"
	"time"

	"VCMilei/internal/auth"
	xerrors "VCMilei/internal/errors"
	"VCMilei/pkg/logger"
)

// guard 校验调用方是否拥有 permission，认证关闭时直接放行。
// 写操作成功与否都会写入审计日志。
func (s *Server) guard(permission string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Auth.Enabled() {
			next(w, r)
			return
		}
		subject, err := s.deps.Auth.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
		if err == nil {
			err = subject.Authorize(permission)
		}
		if err != nil {
			logger.Audit().Warn("access_denied",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("permission", permission),
				slog.String("error_code", string(xerrors.CodeOf(err))),
			)
			s.writeError(w, r, err)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r.WithContext(auth.WithSubject(r.Context(), subject)))
		if r.Method != http.MethodGet {
			logger.Audit().Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name),
			)
		}
	})
}
