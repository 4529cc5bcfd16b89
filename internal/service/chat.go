package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"interestchat/internal/events"
	clog "interestchat/internal/log"
	"interestchat/internal/metrics"
	"interestchat/internal/models"
	"interestchat/internal/pubsub"
	"interestchat/internal/repository"
)

const (
	DefaultChatDuration = 60 * time.Minute
	DefaultStoreTimeout = 5 * time.Second

	maxChatNameLength = 100
)

// ChatOptions 控制聊天时长、人数上限与存储超时。MaxParticipants 为 0 表示不限。
type ChatOptions struct {
	Duration        time.Duration
	MaxParticipants int
	Timeout         time.Duration
}

func (o ChatOptions) withDefaults() ChatOptions {
	if o.Duration <= 0 {
		o.Duration = DefaultChatDuration
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultStoreTimeout
	}
	if o.MaxParticipants < 0 {
		o.MaxParticipants = 0
	}
	return o
}

// ChatService 封装聊天生命周期：创建、按兴趣加入、查询与离开。
// 一人一聊的约束由事务内检查加唯一索引共同保证。
type ChatService struct {
	store    repository.Store
	notifier pubsub.Publisher
	events   events.Emitter
	opts     ChatOptions
	now      func() time.Time
}

func NewChatService(store repository.Store, notifier pubsub.Publisher, emitter events.Emitter, opts ChatOptions) *ChatService {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &ChatService{store: store, notifier: notifier, events: emitter, opts: opts.withDefaults(), now: time.Now}
}

// CreateChat 创建聊天并让创建者自动成为参与者。
func (s *ChatService) CreateChat(ctx context.Context, userID, interestID uint, name *string) (*ChatView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if name != nil && utf8.RuneCountInString(strings.TrimSpace(*name)) > maxChatNameLength {
		return nil, BadRequest("chat name exceeds 100 characters")
	}

	var view *ChatView
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := ensureUnattached(ctx, tx, userID); err != nil {
			return err
		}
		interest, err := loadInterest(ctx, tx, interestID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		chat := &models.Chat{
			CreatorID:         userID,
			PrimaryInterestID: interest.ID,
			Name:              chatName(name, interest.Name),
			Active:            true,
			CreatedAt:         now,
			ExpiresAt:         now.Add(s.opts.Duration),
		}
		if err := tx.CreateChat(ctx, chat); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return newError(KindConflict, "user has already created a chat", err)
			}
			return storeErr("create chat", err)
		}
		if err := joinAs(ctx, tx, userID, chat.ID, now); err != nil {
			return err
		}
		view, err = chatView(ctx, tx, chat)
		return err
	})
	if err != nil {
		return nil, fail(ctx, "create chat", err)
	}

	metrics.ChatsCreatedTotal.Inc()
	s.events.Emit(ctx, events.Event{Type: events.TypeChatCreated, ChatID: view.ID, UserID: userID, At: view.CreatedAt})
	return view, nil
}

// JoinByInterest 把用户加入该兴趣下最早创建、仍有空位的活跃聊天。
func (s *ChatService) JoinByInterest(ctx context.Context, userID, interestID uint) (*ChatView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var view *ChatView
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		if err := ensureUnattached(ctx, tx, userID); err != nil {
			return err
		}
		interest, err := loadInterest(ctx, tx, interestID)
		if err != nil {
			return err
		}
		candidates, err := tx.FindJoinCandidates(ctx, interest.ID, userID, s.opts.MaxParticipants)
		if err != nil {
			return storeErr("find join candidates", err)
		}
		for _, c := range candidates {
			// 行锁后重新确认状态与人数，避免两个加入者抢占同一个最后空位。
			chat, err := tx.LockChat(ctx, c.ID)
			if err != nil {
				return storeErr("lock chat", err)
			}
			if !chat.Active {
				continue
			}
			if s.opts.MaxParticipants > 0 {
				n, err := tx.CountParticipants(ctx, chat.ID)
				if err != nil {
					return storeErr("count participants", err)
				}
				if n >= int64(s.opts.MaxParticipants) {
					continue
				}
			}
			if err := joinAs(ctx, tx, userID, chat.ID, s.now().UTC()); err != nil {
				return err
			}
			view, err = chatView(ctx, tx, chat)
			return err
		}
		return NotFound("no suitable active chat found")
	})
	if err != nil {
		return nil, fail(ctx, "join chat", err)
	}

	metrics.ChatsJoinedTotal.Inc()
	s.events.Emit(ctx, events.Event{Type: events.TypeChatJoined, ChatID: view.ID, UserID: userID, At: s.now().UTC()})
	return view, nil
}

// CurrentChat 返回用户创建的活跃聊天，其次是其参与的活跃聊天；都没有时返回 nil, nil。
func (s *ChatService) CurrentChat(ctx context.Context, userID uint) (*ChatView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	view, err := s.currentChat(ctx, userID)
	if err != nil {
		return nil, fail(ctx, "current chat", err)
	}
	return view, nil
}

func (s *ChatService) currentChat(ctx context.Context, userID uint) (*ChatView, error) {
	created, err := s.store.FindActiveChatByCreator(ctx, userID)
	switch {
	case err == nil:
		p, err := s.store.FindParticipantByUser(ctx, userID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, storeErr("find participant", err)
		}
		if err != nil || p.ChatID != created.ID {
			return nil, Fatal("creator of an active chat is not its participant", nil)
		}
		return chatView(ctx, s.store, created)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, storeErr("find created chat", err)
	}

	p, err := s.store.FindParticipantByUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("find participant", err)
	}
	chat, err := s.store.GetChat(ctx, p.ChatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, Fatal("participant references a missing chat", err)
	}
	if err != nil {
		return nil, storeErr("load chat", err)
	}
	if !chat.Active {
		return nil, nil
	}
	return chatView(ctx, s.store, chat)
}

// ChatDetails 返回聊天详情，只允许创建者与参与者查看。
func (s *ChatService) ChatDetails(ctx context.Context, userID, chatID uint) (*ChatView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	chat, err := authorizeView(ctx, s.store, chatID, userID)
	if err != nil {
		return nil, fail(ctx, "chat details", err)
	}
	view, err := chatView(ctx, s.store, chat)
	if err != nil {
		return nil, fail(ctx, "chat details", err)
	}
	return view, nil
}

// CanView 检查用户是否可以查看或订阅该聊天。
func (s *ChatService) CanView(ctx context.Context, chatID, userID uint) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if _, err := authorizeView(ctx, s.store, chatID, userID); err != nil {
		return fail(ctx, "authorize chat", err)
	}
	return nil
}

// LeaveChat 删除参与记录；创建者离开时聊天立即退役。
func (s *ChatService) LeaveChat(ctx context.Context, userID, chatID uint) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var retired bool
	err := s.store.Transaction(ctx, func(tx repository.Store) error {
		// 与 deliver 在同一行锁上串行，离开后不会再有该用户或该聊天的新消息。
		chat, err := tx.LockChat(ctx, chatID)
		if errors.Is(err, repository.ErrNotFound) {
			return NotFound("chat not found")
		}
		if err != nil {
			return storeErr("load chat", err)
		}
		p, err := tx.FindParticipant(ctx, userID, chatID)
		if errors.Is(err, repository.ErrNotFound) {
			return BadRequest("user is not a participant of this chat")
		}
		if err != nil {
			return storeErr("find participant", err)
		}
		if err := tx.DeleteParticipant(ctx, p.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return BadRequest("user is not a participant of this chat")
			}
			return storeErr("delete participant", err)
		}
		if chat.CreatorID == userID {
			retired, err = tx.RetireChat(ctx, chat.ID)
			if err != nil {
				return storeErr("retire chat", err)
			}
		}
		return nil
	})
	if err != nil {
		return fail(ctx, "leave chat", err)
	}

	now := s.now().UTC()
	s.events.Emit(ctx, events.Event{Type: events.TypeChatLeft, ChatID: chatID, UserID: userID, At: now})
	if retired {
		metrics.ChatsRetiredTotal.WithLabelValues(events.ReasonCreatorLeft).Inc()
		notifyChatEnded(ctx, s.notifier, chatID, events.ReasonCreatorLeft)
		s.events.Emit(ctx, events.Event{Type: events.TypeChatRetired, ChatID: chatID, UserID: userID, Reason: events.ReasonCreatorLeft, At: now})
	}
	return nil
}

// ensureUnattached 校验用户既没有创建过聊天，也不是任何聊天的参与者。
func ensureUnattached(ctx context.Context, tx repository.Store, userID uint) error {
	created, err := tx.ExistsChatByCreator(ctx, userID)
	if err != nil {
		return storeErr("check created chat", err)
	}
	if created {
		return Conflict("user has already created a chat")
	}
	_, err = tx.FindParticipantByUser(ctx, userID)
	if err == nil {
		return Conflict("user is already participating in another chat")
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return storeErr("check participation", err)
	}
	return nil
}

func joinAs(ctx context.Context, tx repository.Store, userID, chatID uint, now time.Time) error {
	err := tx.CreateParticipant(ctx, &models.Participant{UserID: userID, ChatID: chatID, JoinedAt: now})
	if errors.Is(err, repository.ErrDuplicate) {
		return newError(KindConflict, "user is already participating in another chat", err)
	}
	return storeErr("create participant", err)
}

func loadInterest(ctx context.Context, store repository.Store, interestID uint) (*models.Interest, error) {
	interest, err := store.GetInterest(ctx, interestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("interest not found")
	}
	if err != nil {
		return nil, storeErr("load interest", err)
	}
	return interest, nil
}

// authorizeView 加载聊天并确认 userID 是创建者或参与者。
func authorizeView(ctx context.Context, store repository.Store, chatID, userID uint) (*models.Chat, error) {
	chat, err := store.GetChat(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, NotFound("chat not found")
	}
	if err != nil {
		return nil, storeErr("load chat", err)
	}
	if chat.CreatorID == userID {
		return chat, nil
	}
	_, err = store.FindParticipant(ctx, userID, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, Forbidden("user is not a member of this chat")
	}
	if err != nil {
		return nil, storeErr("find participant", err)
	}
	return chat, nil
}

func chatName(name *string, interestName string) string {
	if name != nil {
		if n := strings.TrimSpace(*name); n != "" {
			return n
		}
	}
	n := "Chat about " + interestName
	if utf8.RuneCountInString(n) > maxChatNameLength {
		n = string([]rune(n)[:maxChatNameLength])
	}
	return n
}

// notifyChatEnded 向 chat/{id} 推送退役通知，失败只记录。
func notifyChatEnded(ctx context.Context, pub pubsub.Publisher, chatID uint, reason string) {
	if pub == nil {
		return
	}
	topic := pubsub.ChatTopic(chatID)
	payload, err := pubsub.Encode(pubsub.TypeChatEnded, topic, ChatEndedView{ChatID: chatID, Reason: reason})
	if err == nil {
		err = pub.Publish(ctx, topic, payload)
	}
	if err != nil {
		clog.Ctx(ctx).Warn().Err(err).Uint(clog.FieldChatID, chatID).Msg("publish chat ended")
	}
}
