package service

import (
	"strings"
	"unicode/utf8"

	"interestchat/internal/models"
)

const (
	maxTextLength     = 2000
	maxImageURLLength = 255
)

// Content 是消息内容的和类型，只有 TextContent 与 ImageContent 两种变体。
type Content interface {
	Type() string
	apply(m *models.Message)
}

type TextContent struct{ Text string }

type ImageContent struct{ URL string }

func (TextContent) Type() string  { return models.MessageTypeText }
func (ImageContent) Type() string { return models.MessageTypeImage }

func (c TextContent) apply(m *models.Message) {
	text := c.Text
	m.MessageType = models.MessageTypeText
	m.ContentText = &text
}

func (c ImageContent) apply(m *models.Message) {
	url := c.URL
	m.MessageType = models.MessageTypeImage
	m.ContentImageURL = &url
}

// NewTextContent 校验文本非空且不超长。
func NewTextContent(text string) (TextContent, error) {
	if strings.TrimSpace(text) == "" {
		return TextContent{}, BadRequest("text content cannot be empty for a text message")
	}
	if utf8.RuneCountInString(text) > maxTextLength {
		return TextContent{}, BadRequest("text content exceeds 2000 characters")
	}
	return TextContent{Text: text}, nil
}

// NewImageContent 校验图片地址非空且不超长。
func NewImageContent(url string) (ImageContent, error) {
	if strings.TrimSpace(url) == "" {
		return ImageContent{}, BadRequest("image url cannot be empty for an image message")
	}
	if len(url) > maxImageURLLength {
		return ImageContent{}, BadRequest("image url exceeds 255 characters")
	}
	return ImageContent{URL: url}, nil
}

// Draft 是来自客户端的未校验消息，Type 为空时按 TEXT 处理。
type Draft struct {
	Type     string  `json:"message_type"`
	Text     *string `json:"content_text,omitempty"`
	ImageURL *string `json:"content_image_url,omitempty"`
}

// Content 把草稿转换为已校验的内容。
func (d Draft) Content() (Content, error) {
	switch strings.ToUpper(strings.TrimSpace(d.Type)) {
	case "", models.MessageTypeText:
		return NewTextContent(deref(d.Text))
	case models.MessageTypeImage:
		return NewImageContent(deref(d.ImageURL))
	default:
		return nil, BadRequest("unsupported message type")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
