package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	xerrors "VCMilei/internal/errors"
)

// Service 校验请求携带的 API Key。
type Service struct {
	keys []storedKey
}

type storedKey struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 创建认证服务。keys 为空时认证关闭。
func NewService(keys []Key) (*Service, error) {
	svc := &Service{}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		name := strings.TrimSpace(key.Name)
		if name == "" || strings.TrimSpace(key.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "API Key 的名称与密钥不能为空")
		}
		if _, dup := seen[name]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("API Key 名称 %s 重复", name))
		}
		seen[name] = struct{}{}
		svc.keys = append(svc.keys, storedKey{
			digest:  sha256.Sum256([]byte(key.Secret)),
			subject: Subject{Name: name, Permissions: append([]string(nil), key.Permissions...)},
		})
	}
	return svc, nil
}

// Enabled 判断是否启用了认证。
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// AuthenticateRequest 解析 Authorization 头中的 Bearer Token，返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return nil, xerrors.New(CodeUnauthenticated, "缺少 Bearer Token")
	}
	digest := sha256.Sum256([]byte(token))
	var matched *storedKey
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			matched = &s.keys[i]
		}
	}
	if matched == nil {
		return nil, xerrors.New(CodeUnauthenticated, "无效的 API Key")
	}
	subject := matched.subject
	subject.Permissions = append([]string(nil), subject.Permissions...)
	subject.permissionsSet = nil
	return &subject, nil
}
