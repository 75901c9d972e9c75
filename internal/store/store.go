package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go-chat-realtime/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *gorm.DB
}

// Open picks the driver from the DSN: postgres:// and postgresql:// URLs go to
// Postgres, anything else is treated as a SQLite DSN.
func Open(dsn string, debug bool) (*Store, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	var dialector gorm.Dialector
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if isPostgres {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// one connection keeps in-memory databases alive and sqlite writes serialized
		sqlDB.SetMaxOpenConns(1)
	}

	return &Store{db: db}, nil
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	for _, model := range []interface{}{&Profile{}, &Conversation{}, &DirectMessage{}} {
		if err := s.db.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateProfile(ctx context.Context, p *Profile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = string(models.StatusOffline)
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	return nil
}

func (s *Store) FindProfile(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return &p, nil
}

func (s *Store) UpdateProfileStatus(ctx context.Context, id string, status models.PresenceStatus, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": string(status), "last_seen": at})
	if res.Error != nil {
		return fmt.Errorf("update profile status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateConversation stores a conversation between two profiles.
func (s *Store) CreateConversation(ctx context.Context, profileOneID, profileTwoID string) (*Conversation, error) {
	c := &Conversation{
		ID:           uuid.NewString(),
		ProfileOneID: profileOneID,
		ProfileTwoID: profileTwoID,
	}
	if err := s.db.WithContext(ctx).Omit("ProfileOne", "ProfileTwo").Create(c).Error; err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// FindConversationForProfile returns the conversation only when profileID is
// one of its two participants.
func (s *Store) FindConversationForProfile(ctx context.Context, conversationID, profileID string) (*Conversation, error) {
	var c Conversation
	err := s.db.WithContext(ctx).
		Preload("ProfileOne").
		Preload("ProfileTwo").
		Where("id = ? AND (profile_one_id = ? OR profile_two_id = ?)", conversationID, profileID, profileID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &c, nil
}

// IsParticipant reports whether profileID may read conversationID.
func (s *Store) IsParticipant(ctx context.Context, conversationID, profileID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ? AND (profile_one_id = ? OR profile_two_id = ?)", conversationID, profileID, profileID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return count > 0, nil
}

// CreateMessage stores a message and returns it with its sender loaded.
func (s *Store) CreateMessage(ctx context.Context, conversationID, profileID, content string, fileURL *string) (*DirectMessage, error) {
	m := &DirectMessage{
		ID:             uuid.NewString(),
		Content:        content,
		FileURL:        fileURL,
		ProfileID:      profileID,
		ConversationID: conversationID,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Profile").Create(m).Error; err != nil {
			return err
		}
		return tx.Preload("Profile").First(m, "id = ?", m.ID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

// ListMessages returns the newest messages of a conversation, oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]DirectMessage, error) {
	var msgs []DirectMessage
	err := s.db.WithContext(ctx).
		Preload("Profile").
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
