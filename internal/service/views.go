package service

import (
	"context"
	"time"

	"interestchat/internal/models"
	"interestchat/internal/repository"
)

// ParticipantView 是聊天参与者的对外数据。
type ParticipantView struct {
	UserID            uint    `json:"user_id"`
	Nickname          string  `json:"nickname"`
	ProfilePictureURL *string `json:"profile_picture_url"`
}

// ChatView 是对外输出的聊天数据。
type ChatView struct {
	ID                  uint              `json:"id"`
	ChatName            string            `json:"chat_name"`
	PrimaryInterestID   uint              `json:"primary_interest_id"`
	PrimaryInterestName string            `json:"primary_interest_name"`
	CreatorNickname     string            `json:"creator_nickname"`
	Active              bool              `json:"active"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	Participants        []ParticipantView `json:"participants"`
	// Online 是本节点上订阅该聊天的连接数，由 HTTP 层填充。
	Online              int               `json:"online"`
}

// MessageView 是对外输出的消息数据，也是推送到 chat/{id} 的负载。
type MessageView struct {
	ID                      uint      `json:"id"`
	ChatID                  uint      `json:"chat_id"`
	SenderID                uint      `json:"sender_id"`
	SenderNickname          string    `json:"sender_nickname"`
	SenderProfilePictureURL *string   `json:"sender_profile_picture_url"`
	MessageType             string    `json:"message_type"`
	ContentText             *string   `json:"content_text"`
	ContentImageURL         *string   `json:"content_image_url"`
	SentAt                  time.Time `json:"sent_at"`
}

// ChatEndedView 是聊天退役时推送的通知。
type ChatEndedView struct {
	ChatID uint   `json:"chat_id"`
	Reason string `json:"reason"`
}

// InterestView 是对外输出的兴趣数据。
type InterestView struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func toInterestView(i models.Interest) InterestView {
	return InterestView{ID: i.ID, Name: i.Name, Description: i.Description}
}

// chatView 通过反查 interest、creator 与参与者组装完整视图。
func chatView(ctx context.Context, store repository.Store, chat *models.Chat) (*ChatView, error) {
	interest, err := store.GetInterest(ctx, chat.PrimaryInterestID)
	if err != nil {
		return nil, storeErr("load interest", err)
	}
	creator, err := store.GetUser(ctx, chat.CreatorID)
	if err != nil {
		return nil, storeErr("load creator", err)
	}
	rows, err := store.ListParticipants(ctx, chat.ID)
	if err != nil {
		return nil, storeErr("load participants", err)
	}
	participants := make([]ParticipantView, 0, len(rows))
	for _, p := range rows {
		participants = append(participants, ParticipantView{UserID: p.UserID, Nickname: p.Nickname, ProfilePictureURL: p.ProfilePictureURL})
	}
	return &ChatView{
		ID:                  chat.ID,
		ChatName:            chat.Name,
		PrimaryInterestID:   interest.ID,
		PrimaryInterestName: interest.Name,
		CreatorNickname:     creator.Nickname,
		Active:              chat.Active,
		CreatedAt:           chat.CreatedAt,
		ExpiresAt:           chat.ExpiresAt,
		Participants:        participants,
	}, nil
}

func messageView(m *models.Message, sender models.User) MessageView {
	return MessageView{
		ID:                      m.ID,
		ChatID:                  m.ChatID,
		SenderID:                m.SenderID,
		SenderNickname:          sender.Nickname,
		SenderProfilePictureURL: sender.ProfilePictureURL,
		MessageType:             m.MessageType,
		ContentText:             m.ContentText,
		ContentImageURL:         m.ContentImageURL,
		SentAt:                  m.SentAt,
	}
}
