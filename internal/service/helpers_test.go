package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"interestchat/internal/db"
	"interestchat/internal/models"
	"interestchat/internal/pubsub"
	"interestchat/internal/repository"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type published struct {
	topic   string
	payload []byte
}

// recordingPublisher keeps every publish in order.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, payload: payload})
	return nil
}

func (p *recordingPublisher) envelopes(t *testing.T) []pubsub.Envelope {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pubsub.Envelope, 0, len(p.msgs))
	for _, m := range p.msgs {
		var env pubsub.Envelope
		require.NoError(t, json.Unmarshal(m.payload, &env))
		require.Equal(t, m.topic, env.Topic)
		out = append(out, env)
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

// memBlob is an in-memory storage.Blob.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	seq     int
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (b *memBlob) Store(_ context.Context, folder, filename, _ string, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ref := fmt.Sprintf("mem://%s/%d_%s", folder, b.seq, filename)
	b.objects[ref] = data
	return ref, nil
}

func (b *memBlob) Delete(_ context.Context, ref string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, ref)
	b.deleted = append(b.deleted, ref)
	return nil
}

func (b *memBlob) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type testEnv struct {
	db      *gorm.DB
	store   repository.Store
	pub     *recordingPublisher
	blobs   *memBlob
	chats   *ChatService
	msgs    *MessageService
	sweeper *ExpirySweeper
}

func newTestEnv(t *testing.T, opts ChatOptions) *testEnv {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store := repository.NewGormStore(gdb)
	pub := &recordingPublisher{}
	blobs := newMemBlob()
	return &testEnv{
		db:      gdb,
		store:   store,
		pub:     pub,
		blobs:   blobs,
		chats:   NewChatService(store, pub, nil, opts),
		msgs:    NewMessageService(store, pub, blobs, 0),
		sweeper: NewExpirySweeper(store, pub, nil, time.Hour, 0),
	}
}

func (e *testEnv) user(t *testing.T, nickname string) models.User {
	t.Helper()
	u := models.User{Nickname: nickname, PasswordHash: "x", Reputation: 5}
	require.NoError(t, e.db.Create(&u).Error)
	return u
}

func (e *testEnv) interest(t *testing.T, name string) models.Interest {
	t.Helper()
	i := models.Interest{Name: name}
	require.NoError(t, e.db.Create(&i).Error)
	return i
}

// setNow pins the clock of every service in the env.
func (e *testEnv) setNow(now time.Time) {
	clock := func() time.Time { return now }
	e.chats.now = clock
	e.msgs.now = clock
	e.sweeper.now = clock
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, KindOf(err), "error: %v", err)
}

func strPtr(s string) *string { return &s }

// failingStore fails every transaction.
type failingStore struct {
	repository.Store
}

var errStoreDown = errors.New("store down")

func (failingStore) Transaction(context.Context, func(tx repository.Store) error) error {
	return errStoreDown
}
