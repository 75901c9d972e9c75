package store

import (
	"time"

	"go-chat-realtime/internal/models"
)

type Profile struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"uniqueIndex"`
	Name      string
	ImageURL  string
	Email     string
	Status    string `gorm:"default:OFFLINE"`
	LastSeen  time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation is a direct conversation between two profiles.
type Conversation struct {
	ID           string  `gorm:"primaryKey"`
	ProfileOneID string  `gorm:"index;uniqueIndex:idx_conversation_pair"`
	ProfileOne   Profile `gorm:"foreignKey:ProfileOneID"`
	ProfileTwoID string  `gorm:"index;uniqueIndex:idx_conversation_pair"`
	ProfileTwo   Profile `gorm:"foreignKey:ProfileTwoID"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type DirectMessage struct {
	ID             string `gorm:"primaryKey"`
	Content        string
	FileURL        *string
	ProfileID      string  `gorm:"index"`
	Profile        Profile `gorm:"foreignKey:ProfileID"`
	ConversationID string  `gorm:"index"`
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (p Profile) Data() models.ProfileData {
	return models.ProfileData{
		ID:        p.ID,
		UserID:    p.UserID,
		Name:      p.Name,
		ImageURL:  p.ImageURL,
		Email:     p.Email,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// Transform shapes a stored message the way clients render it: the sender
// is repeated as a member entry.
func (m DirectMessage) Transform() models.MessageCreatedData {
	profile := m.Profile.Data()
	return models.MessageCreatedData{
		ID:             m.ID,
		Content:        m.Content,
		FileURL:        m.FileURL,
		ConversationID: m.ConversationID,
		ProfileID:      m.ProfileID,
		Profile:        profile,
		Member: models.MemberData{
			ID:        m.ProfileID,
			ProfileID: m.ProfileID,
			Profile:   profile,
		},
		Deleted:   m.Deleted,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
