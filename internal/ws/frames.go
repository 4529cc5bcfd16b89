package ws

import (
	"encoding/json"

	"interestchat/internal/service"
)

// 入站帧类型。
const (
	FrameConnect     = "connect"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FramePing        = "ping"
)

// 出站帧类型；message 与 chat_ended 由 pubsub.Envelope 直接承载。
const (
	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameError        = "error"
	FramePong         = "pong"
)

// 仅在实时通道上出现的错误码，其余沿用 service.Kind。
const (
	CodeRateLimited = "RATE_LIMITED"
	CodeBadFrame    = "BAD_FRAME"
)

type InboundFrame struct {
	Type            string            `json:"type"`
	Headers         map[string]string `json:"headers,omitempty"`
	Topic           string            `json:"topic,omitempty"`
	ChatID          uint              `json:"chat_id,omitempty"`
	MessageType     string            `json:"message_type,omitempty"`
	ContentText     *string           `json:"content_text,omitempty"`
	ContentImageURL *string           `json:"content_image_url,omitempty"`
}

func (f InboundFrame) draft() service.Draft {
	return service.Draft{Type: f.MessageType, Text: f.ContentText, ImageURL: f.ContentImageURL}
}

type OutboundFrame struct {
	Type          string `json:"type"`
	Topic         string `json:"topic,omitempty"`
	Authenticated *bool  `json:"authenticated,omitempty"`
	UserID        uint   `json:"user_id,omitempty"`
	Nickname      string `json:"nickname,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

func encodeFrame(f OutboundFrame) []byte {
	b, _ := json.Marshal(f)
	return b
}

func connectedFrame(authenticated bool, userID uint, nickname string) []byte {
	return encodeFrame(OutboundFrame{Type: FrameConnected, Authenticated: &authenticated, UserID: userID, Nickname: nickname})
}

func topicFrame(typ, topic string) []byte {
	return encodeFrame(OutboundFrame{Type: typ, Topic: topic})
}

func errorFrame(code, msg string) []byte {
	return encodeFrame(OutboundFrame{Type: FrameError, Code: code, Message: msg})
}

// serviceErrorFrame 把业务错误映射为错误帧，不泄露底层原因。
func serviceErrorFrame(err error) []byte {
	kind := service.KindOf(err)
	if kind == service.KindUnknown {
		kind = service.KindTransient
	}
	return errorFrame(kind.String(), service.Message(err))
}
