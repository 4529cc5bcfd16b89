package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"interestchat/internal/models"
	"interestchat/internal/pubsub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChat(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	alice := env.user(t, "alice")
	golang := env.interest(t, "Go")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.setNow(now)

	view, err := env.chats.CreateChat(context.Background(), alice.ID, golang.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, "Chat about Go", view.ChatName)
	assert.True(t, view.Active)
	assert.Equal(t, golang.ID, view.PrimaryInterestID)
	assert.Equal(t, "Go", view.PrimaryInterestName)
	assert.Equal(t, "alice", view.CreatorNickname)
	assert.Equal(t, time.Hour, view.ExpiresAt.Sub(view.CreatedAt))
	require.Len(t, view.Participants, 1)
	assert.Equal(t, alice.ID, view.Participants[0].UserID)
}

func TestCreateChat_Name(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	golang := env.interest(t, "Go")

	tests := []struct {
		name     string
		input    *string
		want     string
		wantKind Kind
	}{
		{"custom", strPtr("  Gophers  "), "Gophers", KindUnknown},
		{"blank falls back", strPtr("   "), "Chat about Go", KindUnknown},
		{"exactly 100", strPtr(strings.Repeat("a", 100)), strings.Repeat("a", 100), KindUnknown},
		{"too long", strPtr(strings.Repeat("a", 101)), "", KindBadRequest},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := env.user(t, "user"+string(rune('a'+i)))
			view, err := env.chats.CreateChat(context.Background(), u.ID, golang.ID, tt.input)
			if tt.wantKind != KindUnknown {
				requireKind(t, err, tt.wantKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, view.ChatName)
		})
	}
}

func TestCreateChat_UnknownInterest(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	alice := env.user(t, "alice")

	_, err := env.chats.CreateChat(context.Background(), alice.ID, 999, nil)
	requireKind(t, err, KindNotFound)
}

func TestCreateChat_OnlyOnce(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	golang := env.interest(t, "Go")

	chat, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)

	_, err = env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	requireKind(t, err, KindConflict)

	// Leaving retires the chat but the creator slot stays used.
	require.NoError(t, env.chats.LeaveChat(ctx, alice.ID, chat.ID))
	_, err = env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	requireKind(t, err, KindConflict)
}

func TestCreateChat_ParticipantCannotCreate(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	golang := env.interest(t, "Go")

	_, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)
	_, err = env.chats.JoinByInterest(ctx, bob.ID, golang.ID)
	require.NoError(t, err)

	_, err = env.chats.CreateChat(ctx, bob.ID, golang.ID, nil)
	requireKind(t, err, KindConflict)
	assert.Equal(t, "user is already participating in another chat", Message(err))
}

func TestCreateChat_Concurrent(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	alice := env.user(t, "alice")
	golang := env.interest(t, "Go")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.chats.CreateChat(context.Background(), alice.ID, golang.ID, nil)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, KindConflict, KindOf(err), "error: %v", err)
	}
	assert.Equal(t, 1, ok)

	var chats, participants int64
	require.NoError(t, env.db.Model(&models.Chat{}).Count(&chats).Error)
	require.NoError(t, env.db.Model(&models.Participant{}).Where("user_id = ?", alice.ID).Count(&participants).Error)
	assert.Equal(t, int64(1), chats)
	assert.Equal(t, int64(1), participants)
}

func TestJoinByInterest(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	carol := env.user(t, "carol")
	bob := env.user(t, "bob")
	golang := env.interest(t, "Go")
	rust := env.interest(t, "Rust")

	first, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)
	_, err = env.chats.CreateChat(ctx, carol.ID, golang.ID, nil)
	require.NoError(t, err)

	_, err = env.chats.JoinByInterest(ctx, bob.ID, rust.ID)
	requireKind(t, err, KindNotFound)
	assert.Equal(t, "no suitable active chat found", Message(err))

	view, err := env.chats.JoinByInterest(ctx, bob.ID, golang.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, view.ID, "joins the oldest active chat")
	require.Len(t, view.Participants, 2)
	assert.Equal(t, bob.ID, view.Participants[1].UserID)

	_, err = env.chats.JoinByInterest(ctx, bob.ID, golang.ID)
	requireKind(t, err, KindConflict)

	_, err = env.chats.JoinByInterest(ctx, bob.ID, 999)
	requireKind(t, err, KindConflict)
}

func TestJoinByInterest_UnknownInterest(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	bob := env.user(t, "bob")

	_, err := env.chats.JoinByInterest(context.Background(), bob.ID, 999)
	requireKind(t, err, KindNotFound)
	assert.Equal(t, "interest not found", Message(err))
}

func TestJoinByInterest_Capacity(t *testing.T) {
	env := newTestEnv(t, ChatOptions{MaxParticipants: 2})
	ctx := context.Background()
	alice := env.user(t, "alice")
	golang := env.interest(t, "Go")

	_, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		u := env.user(t, "joiner"+string(rune('a'+i)))
		wg.Add(1)
		go func(i int, userID uint) {
			defer wg.Done()
			_, errs[i] = env.chats.JoinByInterest(ctx, userID, golang.ID)
		}(i, u.ID)
	}
	wg.Wait()

	joined := 0
	for _, err := range errs {
		if err == nil {
			joined++
			continue
		}
		assert.Equal(t, KindNotFound, KindOf(err), "error: %v", err)
	}
	assert.Equal(t, 1, joined)
}

func TestCurrentChat(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	golang := env.interest(t, "Go")

	view, err := env.chats.CurrentChat(ctx, alice.ID)
	require.NoError(t, err)
	assert.Nil(t, view)

	created, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)
	_, err = env.chats.JoinByInterest(ctx, bob.ID, golang.ID)
	require.NoError(t, err)

	view, err = env.chats.CurrentChat(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, created.ID, view.ID)

	view, err = env.chats.CurrentChat(ctx, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, created.ID, view.ID)

	// Retired by expiry: bob keeps the participant row but has no current chat.
	env.sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res := env.sweeper.Sweep(ctx)
	require.NoError(t, res.Err)

	view, err = env.chats.CurrentChat(ctx, bob.ID)
	require.NoError(t, err)
	assert.Nil(t, view)
}

func TestCurrentChat_CreatorWithoutParticipantRow(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	golang := env.interest(t, "Go")

	_, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)
	require.NoError(t, env.db.Where("user_id = ?", alice.ID).Delete(&models.Participant{}).Error)

	_, err = env.chats.CurrentChat(ctx, alice.ID)
	requireKind(t, err, KindFatal)
}

func TestChatDetails(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	golang := env.interest(t, "Go")

	chat, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, strPtr("Gophers"))
	require.NoError(t, err)

	view, err := env.chats.ChatDetails(ctx, alice.ID, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Gophers", view.ChatName)

	_, err = env.chats.ChatDetails(ctx, bob.ID, chat.ID)
	requireKind(t, err, KindForbidden)

	_, err = env.chats.ChatDetails(ctx, alice.ID, chat.ID+100)
	requireKind(t, err, KindNotFound)

	require.NoError(t, env.chats.CanView(ctx, chat.ID, alice.ID))
	requireKind(t, env.chats.CanView(ctx, chat.ID, bob.ID), KindForbidden)
}

func TestLeaveChat_Participant(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	golang := env.interest(t, "Go")

	chat, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)
	_, err = env.chats.JoinByInterest(ctx, bob.ID, golang.ID)
	require.NoError(t, err)

	require.NoError(t, env.chats.LeaveChat(ctx, bob.ID, chat.ID))

	view, err := env.chats.ChatDetails(ctx, alice.ID, chat.ID)
	require.NoError(t, err)
	assert.True(t, view.Active)
	assert.Len(t, view.Participants, 1)
	assert.Zero(t, env.pub.count())

	err = env.chats.LeaveChat(ctx, bob.ID, chat.ID)
	requireKind(t, err, KindBadRequest)
	assert.Equal(t, "user is not a participant of this chat", Message(err))

	// Bob is free again.
	_, err = env.chats.JoinByInterest(ctx, bob.ID, golang.ID)
	require.NoError(t, err)
}

func TestLeaveChat_CreatorRetires(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	ctx := context.Background()
	alice := env.user(t, "alice")
	bob := env.user(t, "bob")
	dave := env.user(t, "dave")
	golang := env.interest(t, "Go")

	chat, err := env.chats.CreateChat(ctx, alice.ID, golang.ID, nil)
	require.NoError(t, err)
	_, err = env.chats.JoinByInterest(ctx, bob.ID, golang.ID)
	require.NoError(t, err)

	require.NoError(t, env.chats.LeaveChat(ctx, alice.ID, chat.ID))

	stored, err := env.store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	envs := env.pub.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, pubsub.TypeChatEnded, envs[0].Type)
	assert.Equal(t, pubsub.ChatTopic(chat.ID), envs[0].Topic)

	// Retirement is terminal: nobody can join it again.
	_, err = env.chats.JoinByInterest(ctx, dave.ID, golang.ID)
	requireKind(t, err, KindNotFound)
	ok, err := env.store.RetireChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLeaveChat_UnknownChat(t *testing.T) {
	env := newTestEnv(t, ChatOptions{})
	alice := env.user(t, "alice")

	err := env.chats.LeaveChat(context.Background(), alice.ID, 42)
	requireKind(t, err, KindNotFound)
}
