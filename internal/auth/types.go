package auth

import (
	"context"
	"fmt"
	"strings"

	xerrors "VCMilei/internal/errors"
)

const (
	// CodeUnauthenticated 表示请求缺少凭据或凭据无效。
	CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"
	// CodePermissionDenied 表示凭据有效但权限不足。
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

// 接口使用的权限。
const (
	PermissionAll        = "*"
	PermissionAgentsRun  = "agents:run"
	PermissionTasksWrite = "tasks:write"
	PermissionRead       = "read"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// Key 是一个具名的 API Key 及其权限。
type Key struct {
	Name        string
	Secret      string
	Permissions []string
}

// Subject 是认证通过的调用方。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有指定权限，"*" 视为拥有全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(permission)]
	return ok
}

// Authorize 检查主体是否拥有全部权限。
func (s *Subject) Authorize(permissions ...string) error {
	for _, perm := range permissions {
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, fmt.Sprintf("缺少权限 %s", perm))
		}
	}
	return nil
}

// ParseKeys 解析 "name:secret:perm1|perm2" 以逗号分隔的列表，省略权限时授予全部权限。
func ParseKeys(value string) ([]Key, error) {
	var keys []Key
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("API Key 配置 %q 缺少名称或密钥", parts[0]))
		}
		key := Key{Name: strings.TrimSpace(parts[0]), Secret: strings.TrimSpace(parts[1])}
		if len(parts) == 3 && strings.TrimSpace(parts[2]) != "" {
			for _, perm := range strings.Split(parts[2], "|") {
				if perm = strings.TrimSpace(perm); perm != "" {
					key.Permissions = append(key.Permissions, perm)
				}
			}
		} else {
			key.Permissions = []string{PermissionAll}
		}
		keys = append(keys, key)
	}
	return keys, nil
}

type subjectKey struct{}

// WithSubject 把认证通过的调用方放入请求上下文，供审计日志使用。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 取出调用方；未开启认证的请求返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}
