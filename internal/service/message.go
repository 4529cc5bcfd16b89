package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	clog "interestchat/internal/log"
	"interestchat/internal/metrics"
	"interestchat/internal/models"
	"interestchat/internal/pubsub"
	"interestchat/internal/repository"
	"interestchat/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Upload 是一次待存储的文件上传。
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// checkImage 拒绝空文件与非图片；未声明类型或声明为通用二进制时按内容嗅探。
func (up *Upload) checkImage() error {
	if up.Body == nil || up.Size <= 0 {
		return BadRequest("file cannot be empty")
	}
	ct := strings.ToLower(strings.TrimSpace(up.ContentType))
	if ct == "" || ct == "application/octet-stream" {
		br := bufio.NewReader(up.Body)
		head, err := br.Peek(512)
		if err != nil && !errors.Is(err, io.EOF) {
			return BadRequest("file cannot be read")
		}
		ct = http.DetectContentType(head)
		up.Body = br
		up.ContentType = ct
	}
	if !strings.HasPrefix(ct, "image/") {
		return BadRequest("only image files are allowed")
	}
	return nil
}

// MessageService 校验、持久化并向 chat/{id} 推送消息。
// 同一聊天的持久化与推送在同一把锁内完成，推送顺序与持久化顺序一致。
type MessageService struct {
	store     repository.Store
	publisher pubsub.Publisher
	blobs     storage.Blob
	locks     *keyedMutex
	timeout   time.Duration
	now       func() time.Time
}

func NewMessageService(store repository.Store, publisher pubsub.Publisher, blobs storage.Blob, timeout time.Duration) *MessageService {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &MessageService{
		store:     store,
		publisher: publisher,
		blobs:     blobs,
		locks:     newKeyedMutex(),
		timeout:   timeout,
		now:       time.Now,
	}
}

// SendMessage 处理实时连接上的发送。
func (s *MessageService) SendMessage(ctx context.Context, chatID, senderID uint, draft Draft) (*MessageView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	chat, err := s.writableChat(ctx, chatID)
	if err != nil {
		return nil, fail(ctx, "send message", err)
	}
	content, err := draft.Content()
	if err != nil {
		return nil, err
	}
	view, err := s.deliver(ctx, chat, senderID, content)
	if err != nil {
		return nil, fail(ctx, "send message", err)
	}
	return view, nil
}

// SendImage 先把图片写入 blob 存储，再以 IMAGE 消息走同一条发送路径。
func (s *MessageService) SendImage(ctx context.Context, chatID, senderID uint, up Upload) (*MessageView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	chat, err := s.writableChat(ctx, chatID)
	if err != nil {
		return nil, fail(ctx, "send image", err)
	}
	if err := up.checkImage(); err != nil {
		return nil, err
	}
	if _, err := membership(ctx, s.store, chat.ID, senderID); err != nil {
		return nil, fail(ctx, "send image", err)
	}

	ref, err := s.blobs.Store(ctx, fmt.Sprintf("chat_images/%d", chat.ID), up.Filename, up.ContentType, up.Body, up.Size)
	if err != nil {
		return nil, fail(ctx, "store image", newError(KindTransient, "failed to store image", err))
	}
	content, err := NewImageContent(ref)
	if err == nil {
		var view *MessageView
		view, err = s.deliver(ctx, chat, senderID, content)
		if err == nil {
			return view, nil
		}
	}
	if derr := s.blobs.Delete(context.WithoutCancel(ctx), ref); derr != nil {
		clog.Ctx(ctx).Warn().Err(derr).Str("ref", ref).Msg("delete orphaned image")
	}
	return nil, fail(ctx, "send image", err)
}

// ListMessages 返回聊天历史，按发送时间升序；只允许创建者与参与者读取。
func (s *MessageService) ListMessages(ctx context.Context, chatID, userID uint, limit int, beforeID uint) ([]MessageView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	if _, err := authorizeView(ctx, s.store, chatID, userID); err != nil {
		return nil, fail(ctx, "list messages", err)
	}
	msgs, err := s.store.ListMessages(ctx, chatID, limit, beforeID)
	if err != nil {
		return nil, fail(ctx, "list messages", err)
	}

	// 批量获取发送者
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	senders, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, fail(ctx, "list messages", err)
	}

	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageView(&msgs[i], senders[msgs[i].SenderID]))
	}
	return out, nil
}

func (s *MessageService) writableChat(ctx context.Context, chatID uint) (*models.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("chat not found")
	}
	if err != nil {
		return nil, storeErr("load chat", err)
	}
	if !chat.Active {
		return nil, BadRequest("cannot send message to an inactive chat")
	}
	return chat, nil
}

func membership(ctx context.Context, store repository.Store, chatID, senderID uint) (*models.User, error) {
	_, err := store.FindParticipant(ctx, senderID, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, BadRequest("sender is not a participant of this chat")
	}
	if err != nil {
		return nil, storeErr("find participant", err)
	}
	sender, err := store.GetUser(ctx, senderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("sender not found")
	}
	if err != nil {
		return nil, storeErr("load sender", err)
	}
	return sender, nil
}

// deliver 在聊天行锁内复查活跃状态与成员身份并落库，提交后推送；推送失败不回滚已落库的消息。
func (s *MessageService) deliver(ctx context.Context, chat *models.Chat, senderID uint, content Content) (*MessageView, error) {
	unlock := s.locks.Lock(chat.ID)
	defer unlock()

	m := &models.Message{ChatID: chat.ID, SenderID: senderID}
	content.apply(m)
	var sender *models.User
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		locked, err := tx.LockChat(ctx, chat.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return NotFound("chat not found")
		}
		if err != nil {
			return storeErr("lock chat", err)
		}
		if !locked.Active {
			return BadRequest("cannot send message to an inactive chat")
		}
		if sender, err = membership(ctx, tx, chat.ID, senderID); err != nil {
			return err
		}
		m.SentAt = s.now().UTC()
		return storeErr("persist message", tx.CreateMessage(ctx, m))
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.WithLabelValues(m.MessageType).Inc()

	view := messageView(m, *sender)
	topic := pubsub.ChatTopic(chat.ID)
	payload, err := pubsub.Encode(pubsub.TypeMessage, topic, view)
	if err == nil {
		err = s.publisher.Publish(ctx, topic, payload)
	}
	if err != nil {
		metrics.PublishFailuresTotal.Inc()
		clog.Ctx(ctx).Warn().Err(err).Uint(clog.FieldChatID, chat.ID).Uint("message_id", m.ID).Msg("publish message")
	}
	return &view, nil
}
