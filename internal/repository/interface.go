package repository

import (
	"context"
	"errors"
	"time"

	"interestchat/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate key")
)

// ParticipantInfo is a participant row joined with its user.
type ParticipantInfo struct {
	UserID            uint
	Nickname          string
	ProfilePictureURL *string
}

// Store is the participation and message store the chat engine works against.
// All lookups that return a single row report ErrNotFound when it is absent.
type Store interface {
	// Transaction runs fn against a Store bound to one database transaction.
	// Returning an error from fn rolls the transaction back and is returned as is.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id uint) (*models.Chat, error)
	// LockChat re-reads a chat holding a row lock where the dialect supports it.
	LockChat(ctx context.Context, id uint) (*models.Chat, error)
	ExistsChatByCreator(ctx context.Context, userID uint) (bool, error)
	FindActiveChatByCreator(ctx context.Context, userID uint) (*models.Chat, error)
	// FindJoinCandidates lists active chats for an interest that userID is not in,
	// oldest first. capacity > 0 excludes chats that already hold that many participants.
	FindJoinCandidates(ctx context.Context, interestID, userID uint, capacity int) ([]models.Chat, error)
	// RetireChat flips one chat to inactive; false means it was already retired.
	RetireChat(ctx context.Context, id uint) (bool, error)
	FindExpiredChats(ctx context.Context, now time.Time) ([]models.Chat, error)
	// RetireChats flips each chat with the conditional update and returns the ids
	// it actually retired; chats already retired elsewhere are left out.
	RetireChats(ctx context.Context, ids []uint) ([]uint, error)

	CreateParticipant(ctx context.Context, p *models.Participant) error
	FindParticipantByUser(ctx context.Context, userID uint) (*models.Participant, error)
	FindParticipant(ctx context.Context, userID, chatID uint) (*models.Participant, error)
	DeleteParticipant(ctx context.Context, id uint) error
	CountParticipants(ctx context.Context, chatID uint) (int64, error)
	ListParticipants(ctx context.Context, chatID uint) ([]ParticipantInfo, error)

	CreateMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns up to limit messages older than beforeID (0 = newest), ascending.
	ListMessages(ctx context.Context, chatID uint, limit int, beforeID uint) ([]models.Message, error)

	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUsers(ctx context.Context, ids []uint) (map[uint]models.User, error)
	GetInterest(ctx context.Context, id uint) (*models.Interest, error)
	ListInterests(ctx context.Context) ([]models.Interest, error)
	// CreateInterests inserts interests, skipping names that already exist.
	CreateInterests(ctx context.Context, interests []models.Interest) (int64, error)
}
