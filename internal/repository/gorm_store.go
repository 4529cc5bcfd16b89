package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"interestchat/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxJoinCandidates = 20

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) CreateChat(ctx context.Context, chat *models.Chat) error {
	return translate(s.db.WithContext(ctx).Create(chat).Error)
}

func (s *GormStore) GetChat(ctx context.Context, id uint) (*models.Chat, error) {
	var chat models.Chat
	if err := s.db.WithContext(ctx).First(&chat, id).Error; err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (s *GormStore) LockChat(ctx context.Context, id uint) (*models.Chat, error) {
	q := s.db.WithContext(ctx)
	if s.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var chat models.Chat
	if err := q.First(&chat, id).Error; err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (s *GormStore) ExistsChatByCreator(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Chat{}).Where("creator_id = ?", userID).Count(&count).Error
	return count > 0, translate(err)
}

func (s *GormStore) FindActiveChatByCreator(ctx context.Context, userID uint) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.WithContext(ctx).Where("creator_id = ? AND active = ?", userID, true).First(&chat).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (s *GormStore) FindJoinCandidates(ctx context.Context, interestID, userID uint, capacity int) ([]models.Chat, error) {
	joined := s.db.Model(&models.Participant{}).Select("chat_id").Where("user_id = ?", userID)
	q := s.db.WithContext(ctx).
		Where("primary_interest_id = ? AND active = ?", interestID, true).
		Where("id NOT IN (?)", joined)
	if capacity > 0 {
		q = q.Where("(SELECT COUNT(*) FROM participants p WHERE p.chat_id = chats.id) < ?", capacity)
	}
	var chats []models.Chat
	if err := q.Order("id asc").Limit(maxJoinCandidates).Find(&chats).Error; err != nil {
		return nil, translate(err)
	}
	return chats, nil
}

func (s *GormStore) RetireChat(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Chat{}).
		Where("id = ? AND active = ?", id, true).
		Update("active", false)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) FindExpiredChats(ctx context.Context, now time.Time) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.WithContext(ctx).
		Where("active = ? AND expires_at <= ?", true, now).
		Order("id asc").
		Find(&chats).Error
	if err != nil {
		return nil, translate(err)
	}
	return chats, nil
}

func (s *GormStore) RetireChats(ctx context.Context, ids []uint) ([]uint, error) {
	var retired []uint
	for _, id := range ids {
		ok, err := s.RetireChat(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			retired = append(retired, id)
		}
	}
	return retired, nil
}

func (s *GormStore) CreateParticipant(ctx context.Context, p *models.Participant) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *GormStore) FindParticipantByUser(ctx context.Context, userID uint) (*models.Participant, error) {
	var p models.Participant
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStore) FindParticipant(ctx context.Context, userID, chatID uint) (*models.Participant, error) {
	var p models.Participant
	err := s.db.WithContext(ctx).Where("user_id = ? AND chat_id = ?", userID, chatID).First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStore) DeleteParticipant(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Participant{}, id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CountParticipants(ctx context.Context, chatID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Participant{}).Where("chat_id = ?", chatID).Count(&count).Error
	return count, translate(err)
}

func (s *GormStore) ListParticipants(ctx context.Context, chatID uint) ([]ParticipantInfo, error) {
	var out []ParticipantInfo
	err := s.db.WithContext(ctx).
		Table("participants").
		Select("participants.user_id, users.nickname, users.profile_picture_url").
		Joins("JOIN users ON users.id = participants.user_id").
		Where("participants.chat_id = ?", chatID).
		Order("participants.id asc").
		Scan(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, m *models.Message) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

func (s *GormStore) ListMessages(ctx context.Context, chatID uint, limit int, beforeID uint) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var msgs []models.Message
	if err := q.Order("sent_at desc, id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, translate(err)
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *GormStore) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (s *GormStore) GetUsers(ctx context.Context, ids []uint) (map[uint]models.User, error) {
	out := make(map[uint]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, translate(err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *GormStore) GetInterest(ctx context.Context, id uint) (*models.Interest, error) {
	var interest models.Interest
	if err := s.db.WithContext(ctx).First(&interest, id).Error; err != nil {
		return nil, translate(err)
	}
	return &interest, nil
}

func (s *GormStore) ListInterests(ctx context.Context) ([]models.Interest, error) {
	var interests []models.Interest
	if err := s.db.WithContext(ctx).Order("name asc").Find(&interests).Error; err != nil {
		return nil, translate(err)
	}
	return interests, nil
}

func (s *GormStore) CreateInterests(ctx context.Context, interests []models.Interest) (int64, error) {
	if len(interests) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&interests)
	return res.RowsAffected, translate(res.Error)
}
