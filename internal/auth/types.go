package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 身份认证子系统返回的通用错误。
var (
	ErrDisabled         = errors.New("authentication disabled")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("subject is disabled")
)

// 作业 API 使用的权限。
const (
	PermissionJobsRead  = "jobs:read"
	PermissionJobsWrite = "jobs:write"
)

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 配置身份认证服务。
type Config struct {
	Mode   Mode
	Tokens []Token
}

// Token 描述一个静态 API 令牌及其权限。
type Token struct {
	Name        string
	Value       string
	Permissions []string
	Disabled    bool
}

// Subject 是通过认证的调用方，经由上下文传递给处理函数。
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise 构建权限查找表。
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[normalisePermission(perm)] = struct{}{}
		}
	}
}

// HasPermission 判断主体是否拥有指定权限，"*" 代表全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[normalisePermission(permission)]
	return ok
}

// Authorize 确认主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

func normalisePermission(perm string) string {
	return strings.ToLower(strings.TrimSpace(perm))
}
