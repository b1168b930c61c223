package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"piper-nodes/pkg/logger"
)

// Service 负责校验 API 请求携带的 Bearer 令牌。
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

// tokenEntry 只保存令牌摘要，比较时使用常量时间。
type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}

	seen := make(map[[sha256.Size]byte]string, len(cfg.Tokens))
	for i, tok := range cfg.Tokens {
		value := strings.TrimSpace(tok.Value)
		if value == "" {
			return nil, fmt.Errorf("token %d (%s) has an empty value", i, tok.Name)
		}
		digest := sha256.Sum256([]byte(value))
		if prev, dup := seen[digest]; dup {
			return nil, fmt.Errorf("token %s duplicates token %s", tok.Name, prev)
		}
		name := strings.TrimSpace(tok.Name)
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		seen[digest] = name
		subject := &Subject{
			Name:        name,
			Permissions: append([]string(nil), tok.Permissions...),
			Disabled:    tok.Disabled,
		}
		subject.normalise()
		svc.tokens = append(svc.tokens, tokenEntry{digest: digest, subject: subject})
	}
	if len(svc.tokens) == 0 {
		return nil, errors.New("token mode requires at least one token")
	}
	return svc, nil
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头，返回令牌对应的主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 遍历全部令牌，耗时与命中位置无关。
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			match = s.tokens[i].subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
