package types

import (
	"encoding/json"
	"time"
)

// Trip is the domain entity a conversation belongs to. Its itinerary
// markdown lives next to it on disk and is not part of this record.
type Trip struct {
	ID        TripID    `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Conversation struct {
	ID           ConversationID `json:"id"`
	TripID       TripID         `json:"trip_id"`
	Title        string         `json:"title,omitempty"`
	ResumeHandle string         `json:"resume_handle,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type ToolStatus string

const (
	ToolRunning  ToolStatus = "running"
	ToolComplete ToolStatus = "complete"
)

// ToolActivity is the lifecycle record of one tool invocation during a call.
type ToolActivity struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      ToolStatus      `json:"status"`
	IsError     bool            `json:"is_error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TranscriptEntry is one persisted turn of a conversation.
type TranscriptEntry struct {
	Seq   int64          `json:"seq"`
	Role  Role           `json:"role"`
	Text  string         `json:"text"`
	Tools []ToolActivity `json:"tools,omitempty"`
	At    time.Time      `json:"at"`
}
