// Package board is the guestbook-style message board: a capped,
// newest-first list of short text messages. The store is picked at
// startup; the in-memory variant serves deployments without a
// database.
package board

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// MaxMessages caps both listings and retained history.
const MaxMessages = 200

// MaxTextLen bounds a single message.
const MaxTextLen = 500

var ErrEmptyText = errors.New("message text required")
var ErrTextTooLong = errors.New("message text too long")

// Shared monotonic entropy: ids minted within the same millisecond
// still increase, so lexicographic order stays insertion order.
var entropy = &ulid.LockedMonotonicReader{
	MonotonicReader: ulid.Monotonic(rand.Reader, 0),
}

// Message ids are ULIDs, so lexicographic descending order is
// newest-first.
type Message struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	Text      string    `gorm:"size:500" json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Message) TableName() string { return "messages" }

type Store interface {
	// List returns up to MaxMessages messages, newest first.
	List(ctx context.Context) ([]Message, error)
	Add(ctx context.Context, text string) (Message, error)
}

func newMessage(text string) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, ErrEmptyText
	}
	if len(trimmed) > MaxTextLen {
		return Message{}, ErrTextTooLong
	}
	now := time.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id.String(), Text: trimmed, CreatedAt: now}, nil
}

// GormStore keeps messages in a relational table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

func (s *GormStore) Migrate() error { return s.db.AutoMigrate(&Message{}) }

func (s *GormStore) List(ctx context.Context) ([]Message, error) {
	var msgs []Message
	err := s.db.WithContext(ctx).Order("id DESC").Limit(MaxMessages).Find(&msgs).Error
	return msgs, err
}

func (s *GormStore) Add(ctx context.Context, text string) (Message, error) {
	msg, err := newMessage(text)
	if err != nil {
		return Message{}, err
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return Message{}, err
	}
	return msg, nil
}

// MemoryStore is the no-database fallback, newest first, trimmed at
// MaxMessages.
type MemoryStore struct {
	mu   sync.Mutex
	msgs []Message
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) List(_ context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...), nil
}

func (s *MemoryStore) Add(_ context.Context, text string) (Message, error) {
	msg, err := newMessage(text)
	if err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append([]Message{msg}, s.msgs...)
	if len(s.msgs) > MaxMessages {
		s.msgs = s.msgs[:MaxMessages]
	}
	return msg, nil
}
