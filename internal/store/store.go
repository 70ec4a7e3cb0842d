package store

import (
	"context"
	"errors"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrRoomExists = errors.New("room already exists")

// ConsentIntent is one side's recorded reveal intent. Mutual
// confirmation means two distinct users recorded "yes" for the same
// room.
type ConsentIntent struct {
	gorm.Model
	UserID string `gorm:"index:idx_intent_room_user,unique"`
	RoomID string `gorm:"index:idx_intent_room_user,unique"`
	Match  string
}

// KarmaEntry is a submitted vibe rating.
type KarmaEntry struct {
	gorm.Model
	UserID string
	RoomID string
	Karma  int
}

// Room is a dedicated pairing room created by the producer side.
type Room struct {
	gorm.Model
	RoomID    string `gorm:"uniqueIndex"`
	Topic     string
	Duration  int
	MaxClient int
}

// Store is the persistence boundary behind the match/karma/room REST
// endpoints.
type Store interface {
	RecordIntent(ctx context.Context, userID, roomID string) error
	Confirmed(ctx context.Context, roomID string) (bool, error)
	AddKarma(ctx context.Context, userID, roomID string, karma int) error
	CreateRoom(ctx context.Context, roomID, topic string, durationSec, maxClient int) error
	ListRooms(ctx context.Context) ([]Room, error)
}

// Gorm is the Postgres-backed store.
type Gorm struct {
	db *gorm.DB
}

func Open(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ConsentIntent{}, &KarmaEntry{}, &Room{}); err != nil {
		return nil, err
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) RecordIntent(ctx context.Context, userID, roomID string) error {
	intent := ConsentIntent{UserID: userID, RoomID: roomID, Match: "yes"}
	// Re-submissions are idempotent.
	err := g.db.WithContext(ctx).
		Where(ConsentIntent{UserID: userID, RoomID: roomID}).
		FirstOrCreate(&intent).Error
	return err
}

func (g *Gorm) Confirmed(ctx context.Context, roomID string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).
		Model(&ConsentIntent{}).
		Where("room_id = ? AND match = ?", roomID, "yes").
		Distinct("user_id").
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count >= 2, nil
}

func (g *Gorm) AddKarma(ctx context.Context, userID, roomID string, karma int) error {
	return g.db.WithContext(ctx).Create(&KarmaEntry{UserID: userID, RoomID: roomID, Karma: karma}).Error
}

func (g *Gorm) CreateRoom(ctx context.Context, roomID, topic string, durationSec, maxClient int) error {
	return g.db.WithContext(ctx).Create(&Room{
		RoomID:    roomID,
		Topic:     topic,
		Duration:  durationSec,
		MaxClient: maxClient,
	}).Error
}

func (g *Gorm) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := g.db.WithContext(ctx).Order("created_at desc").Find(&rooms).Error
	return rooms, err
}

// Memory is the in-process fallback used when no DSN is configured, and
// by tests.
type Memory struct {
	mu      sync.Mutex
	intents map[string]map[string]bool // roomID -> userID -> yes
	karma   []KarmaEntry
	rooms   []Room
}

func NewMemory() *Memory {
	return &Memory{intents: make(map[string]map[string]bool)}
}

func (m *Memory) RecordIntent(_ context.Context, userID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.intents[roomID] == nil {
		m.intents[roomID] = make(map[string]bool)
	}
	m.intents[roomID][userID] = true
	return nil
}

func (m *Memory) Confirmed(_ context.Context, roomID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intents[roomID]) >= 2, nil
}

func (m *Memory) AddKarma(_ context.Context, userID, roomID string, karma int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.karma = append(m.karma, KarmaEntry{UserID: userID, RoomID: roomID, Karma: karma})
	return nil
}

func (m *Memory) CreateRoom(_ context.Context, roomID, topic string, durationSec, maxClient int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.RoomID == roomID {
			return ErrRoomExists
		}
	}
	m.rooms = append(m.rooms, Room{RoomID: roomID, Topic: topic, Duration: durationSec, MaxClient: maxClient})
	return nil
}

func (m *Memory) ListRooms(_ context.Context) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]Room, len(m.rooms))
	copy(rooms, m.rooms)
	return rooms, nil
}
