package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"VCMilei/internal/auth"
	xerrors "VCMilei/internal/errors"
)

// envelope 是所有接口的统一响应格式。
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) writeData(w http.ResponseWriter, status int, data any) {
	s.writeJSON(w, status, envelope{Success: true, Data: data, Timestamp: s.timestamp()})
}

// writeError 只暴露错误码对应的公开描述，内部细节写入日志。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("path", r.URL.Path),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	}
	s.writeJSON(w, status, envelope{Error: publicMessage(err, status), Timestamp: s.timestamp()})
}

func (s *Server) writeBadRequest(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, envelope{Error: message, Timestamp: s.timestamp()})
}

func (s *Server) writeUnavailable(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusServiceUnavailable, envelope{Error: message, Timestamp: s.timestamp()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("写入响应失败", slog.Any("error", err))
	}
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// publicMessage 对调用方可纠正的错误返回具体原因，服务端错误只返回错误码的通用描述。
func publicMessage(err error, status int) string {
	if status < http.StatusInternalServerError {
		return xerrors.PublicMessage(err)
	}
	return xerrors.AttributesOf(xerrors.CodeOf(err)).Message
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeToolValidation:
		return http.StatusBadRequest
	case auth.CodeUnauthenticated:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAlreadyCompleted:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeTransport:
		return http.StatusBadGateway
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
