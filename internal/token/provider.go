package token

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	imErrors "parkdog.im/pkg/errors"
	"parkdog.im/pkg/jwt"
)

// ErrNoSession 会话凭证缺失
var ErrNoSession = errors.New("session token missing")

// SessionSource 长期会话凭证来源
type SessionSource interface {
	SessionToken(ctx context.Context) (string, error)
}

// StaticSession 固定的会话凭证
type StaticSession string

func (s StaticSession) SessionToken(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoSession
	}
	return string(s), nil
}

// Exchanger 用会话凭证换取短期实时 Token
type Exchanger interface {
	ExchangeToken(ctx context.Context, sessionToken string) (*jwt.RealtimeToken, error)
}

// Options 重试与缓存策略
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	// RefreshMargin 到期前多久视为失效
	RefreshMargin time.Duration
}

// Provider 实时 Token 提供者，带缓存
type Provider struct {
	session   SessionSource
	exchanger Exchanger
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	fetchMu sync.Mutex // 串行化换取过程

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewProvider 创建 Token 提供者
func NewProvider(session SessionSource, exchanger Exchanger, opts Options, logger *slog.Logger) *Provider {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Provider{
		session:   session,
		exchanger: exchanger,
		opts:      opts,
		logger:    logger.With("component", "token"),
		now:       time.Now,
	}
}

// Token 返回可用的实时 Token，缓存失效时重新换取
// 重试用尽后返回 AuthError
func (p *Provider) Token(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}

	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()

	// 等待期间可能已被其他调用方刷新
	if tok, ok := p.cached(); ok {
		return tok, nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		rt, err := p.fetch(ctx)
		if err == nil {
			p.store(rt)
			return rt.Token, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", imErrors.ErrAuth.Wrap(ctx.Err())
		}

		p.logger.Warn("Realtime token fetch failed",
			"attempt", attempt,
			"max_attempts", p.opts.MaxAttempts,
			"error", err,
		)

		if attempt < p.opts.MaxAttempts && p.opts.RetryDelay > 0 {
			t := time.NewTimer(p.opts.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", imErrors.ErrAuth.Wrap(ctx.Err())
			case <-t.C:
			}
		}
	}

	return "", imErrors.ErrAuth.Wrap(lastErr)
}

func (p *Provider) fetch(ctx context.Context) (*jwt.RealtimeToken, error) {
	session, err := p.session.SessionToken(ctx)
	if err != nil {
		return nil, err
	}
	if session == "" {
		return nil, ErrNoSession
	}

	rt, err := p.exchanger.ExchangeToken(ctx, session)
	if err != nil {
		return nil, err
	}
	if rt == nil || rt.Token == "" {
		return nil, imErrors.ErrProtocol.WithMessage("empty realtime token")
	}
	return rt, nil
}

func (p *Provider) store(rt *jwt.RealtimeToken) {
	expiresAt := rt.ExpiresAt
	if expiresAt.IsZero() {
		// 响应中没有过期时间时从 JWT exp 读取；不透明 Token 保持到 Invalidate
		if exp, err := jwt.ParseTokenExpireTime(rt.Token); err == nil {
			expiresAt = exp
		}
	}

	p.mu.Lock()
	p.token = rt.Token
	p.expiresAt = expiresAt
	p.mu.Unlock()

	p.logger.Debug("Realtime token refreshed", "expires_at", expiresAt)
}

func (p *Provider) cached() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == "" {
		return "", false
	}
	if !p.expiresAt.IsZero() && !p.now().Before(p.expiresAt.Add(-p.opts.RefreshMargin)) {
		return "", false
	}
	return p.token, true
}

// Invalidate 丢弃缓存的 Token
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.expiresAt = time.Time{}
	p.mu.Unlock()
}

// ExpiresAt 当前缓存 Token 的过期时间，无缓存时为零值
func (p *Provider) ExpiresAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiresAt
}
