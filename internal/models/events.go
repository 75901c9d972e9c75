package models

import "time"

type Event struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// BroadcastMessage is one payload addressed to every subscriber of Topic.
// Payload is encoded once and shared by all recipients, so it must not be
// mutated after construction.
type BroadcastMessage struct {
	Topic   string
	Payload []byte
}

// Specific event data structures

type ProfileData struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	ImageURL  string    `json:"imageUrl"`
	Email     string    `json:"email"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type MemberData struct {
	ID        string      `json:"id"`
	ProfileID string      `json:"profileId"`
	Profile   ProfileData `json:"profile"`
}

// MessageCreatedData is the transformed direct message the router fans out
// and the message endpoint returns.
type MessageCreatedData struct {
	ID             string      `json:"id"`
	Content        string      `json:"content"`
	FileURL        *string     `json:"fileUrl"`
	ConversationID string      `json:"conversationId"`
	ProfileID      string      `json:"profileId"`
	Profile        ProfileData `json:"profile"`
	Member         MemberData  `json:"member"`
	Deleted        bool        `json:"deleted"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

type StatusData struct {
	Status PresenceStatus `json:"status"`
}

type PresenceData struct {
	ProfileID string         `json:"profileId"`
	Status    PresenceStatus `json:"status"`
	LastSeen  time.Time      `json:"lastSeen"`
}
