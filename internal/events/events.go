package events

import (
	"context"
	"time"

	clog "interestchat/internal/log"
)

// 聊天生命周期事件类型。
const (
	TypeChatCreated = "chat.created"
	TypeChatJoined  = "chat.joined"
	TypeChatLeft    = "chat.left"
	TypeChatRetired = "chat.retired"
)

// 退役原因。
const (
	ReasonCreatorLeft = "creator_left"
	ReasonExpired     = "expired"
)

// Event 描述一次生命周期变更。UserID 为 0 表示系统触发（如过期清理）。
type Event struct {
	Type   string    `json:"type"`
	ChatID uint      `json:"chat_id"`
	UserID uint      `json:"user_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Emitter 发布生命周期事件。发布是尽力而为的，失败由实现自行记录，不影响业务结果。
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// AuditLog 把事件写成审计日志。
type AuditLog struct{}

func (AuditLog) Emit(ctx context.Context, evt Event) {
	l := clog.Ctx(ctx)
	e := l.Info().
		Str(clog.FieldLogType, clog.LogTypeAudit).
		Str("action", evt.Type).
		Uint(clog.FieldChatID, evt.ChatID)
	if evt.UserID != 0 {
		e = e.Uint(clog.FieldUserID, evt.UserID)
	}
	if evt.Reason != "" {
		e = e.Str("reason", evt.Reason)
	}
	e.Msg("chat lifecycle")
}

// Multi 依次把事件交给每个 Emitter。
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, evt Event) {
	for _, e := range m {
		e.Emit(ctx, evt)
	}
}
