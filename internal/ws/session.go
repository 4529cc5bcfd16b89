package ws

import (
	"context"
	"strings"
	"sync"

	"interestchat/internal/auth"

	"github.com/google/uuid"
)

// Authenticator 校验 connect 帧携带的 token。
type Authenticator interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Session 保存单个实时连接的状态；身份只能由首个 connect 帧绑定。
type Session struct {
	ID string

	mu        sync.RWMutex
	identity  *auth.Identity
	connected bool
}

func NewSession() *Session { return &Session{ID: uuid.NewString()} }

// Connect 标记握手已发生，重复调用返回 false。
func (s *Session) Connect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return false
	}
	s.connected = true
	return true
}

func (s *Session) Bind(id auth.Identity) {
	s.mu.Lock()
	s.identity = &id
	s.mu.Unlock()
}

func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return auth.Identity{}, false
	}
	return *s.identity, true
}

func (s *Session) Unbind() {
	s.mu.Lock()
	s.identity = nil
	s.mu.Unlock()
}

// Handshake 从 connect 帧的头部中取出 Bearer token 并校验。
// 头部名不区分大小写；缺失、格式错误或校验失败时返回 false，连接保持匿名。
func Handshake(ctx context.Context, a Authenticator, headers map[string]string) (auth.Identity, bool) {
	var header string
	for k, v := range headers {
		if strings.EqualFold(k, "authorization") {
			header = v
			break
		}
	}
	token, ok := auth.ParseBearer(header)
	if !ok {
		return auth.Identity{}, false
	}
	id, err := a.Verify(ctx, token)
	if err != nil {
		return auth.Identity{}, false
	}
	return id, true
}
