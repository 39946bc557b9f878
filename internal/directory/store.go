package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Record is the persisted row. The lobby code is the key; rows are
// upserted on every advert and never deleted.
type Record struct {
	LobbyCode    string    `gorm:"primaryKey;size:16"`
	LeaderID     string    `gorm:"size:64"`
	LeaderName   string    `gorm:"size:64"`
	Color        string    `gorm:"size:16"`
	Status       string    `gorm:"size:16;index"`
	PlayersCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time `gorm:"index"`
}

func (Record) TableName() string { return "lobbies" }

// Store is the persistence boundary. Chosen at startup: postgres when
// a DSN is configured, in-memory otherwise.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	// ListOpen returns open lobbies updated at or after cutoff.
	ListOpen(ctx context.Context, cutoff time.Time) ([]Record, error)
}

// GormStore keeps records in a relational table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

// Migrate creates the lobbies table.
func (s *GormStore) Migrate() error { return s.db.AutoMigrate(&Record{}) }

func (s *GormStore) Upsert(ctx context.Context, rec Record) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "lobby_code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"leader_id", "leader_name", "color", "status", "players_count", "updated_at",
		}),
	}).Create(&rec).Error
}

func (s *GormStore) ListOpen(ctx context.Context, cutoff time.Time) ([]Record, error) {
	var recs []Record
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at >= ?", StatusOpen, cutoff).
		Order("updated_at DESC").
		Find(&recs).Error
	return recs, err
}

// MemoryStore is the fallback when no database is configured.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.LobbyCode = strings.ToUpper(rec.LobbyCode)
	if prev, ok := s.recs[rec.LobbyCode]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	s.recs[rec.LobbyCode] = rec
	return nil
}

func (s *MemoryStore) ListOpen(_ context.Context, cutoff time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []Record
	for _, rec := range s.recs {
		if rec.Status == StatusOpen && !rec.UpdatedAt.Before(cutoff) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].UpdatedAt.After(recs[j].UpdatedAt) })
	return recs, nil
}
