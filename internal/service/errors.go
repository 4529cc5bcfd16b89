package service

import (
	"context"
	"errors"
	"fmt"

	clog "interestchat/internal/log"
	"interestchat/internal/repository"
)

// Kind 是业务错误的稳定分类，handler 据此映射 HTTP 状态码或错误帧 code。
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindBadRequest
	KindForbidden
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindBadRequest:
		return "BAD_REQUEST"
	case KindForbidden:
		return "FORBIDDEN"
	case KindTransient:
		return "TRANSIENT"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error 携带分类与可读信息，Err 保留底层原因。
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, &Error{Kind: KindX}) 按分类匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func NotFound(msg string) error   { return newError(KindNotFound, msg, nil) }
func Conflict(msg string) error   { return newError(KindConflict, msg, nil) }
func BadRequest(msg string) error { return newError(KindBadRequest, msg, nil) }
func Forbidden(msg string) error  { return newError(KindForbidden, msg, nil) }

// Fatal 表示不变量被破坏，调用方必须记录而不能吞掉。
func Fatal(msg string, err error) error { return newError(KindFatal, msg, err) }

// KindOf 返回 err 链上第一个 *Error 的分类。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message 返回可展示给调用方的信息，不泄露底层原因。
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// 认证流程沿用的哨兵错误。
var (
	ErrNicknameTaken      = errors.New("nickname taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// storeErr 把存储层错误归类：已分类的原样返回，缺失记录为 NotFound，唯一约束冲突为 Conflict，
// 其余（超时、连接失败）一律视为可重试的 Transient。
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(KindNotFound, op+": record not found", err)
	case errors.Is(err, repository.ErrDuplicate):
		return newError(KindConflict, "user already belongs to a chat", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newError(KindTransient, op+" timed out", err)
	default:
		return newError(KindTransient, op+" failed", err)
	}
}

// fail 归类错误并按严重程度记录。
func fail(ctx context.Context, op string, err error) error {
	err = storeErr(op, err)
	switch KindOf(err) {
	case KindFatal:
		clog.Ctx(ctx).Error().Err(err).Str("op", op).Msg("invariant violated")
	case KindTransient:
		clog.Ctx(ctx).Warn().Err(err).Str("op", op).Msg("store failure")
	}
	return err
}
