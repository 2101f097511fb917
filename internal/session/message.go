package session

import "github.com/user/tripclaw/internal/types"

// MessageType tags a server-to-client message.
type MessageType string

const (
	TypeSessionInfo      MessageType = "session_info"
	TypeAssistantPartial MessageType = "assistant_partial"
	TypeToolUseStart     MessageType = "tool_use_start"
	TypeToolUse          MessageType = "tool_use"
	TypeToolResult       MessageType = "tool_result"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeResult           MessageType = "result"
	TypeEntityUpdated    MessageType = "entity_updated"
	TypeError            MessageType = "error"
	TypePong             MessageType = "pong"
)

// Result subtypes.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

// EntityItinerary names the itinerary in entity_updated messages.
const EntityItinerary = "itinerary"

// Message is one server-to-client message. Only the fields relevant to
// Type are set.
type Message struct {
	Type           MessageType          `json:"type"`
	TripID         types.TripID         `json:"tripId,omitempty"`
	ConversationID types.ConversationID `json:"conversationId,omitempty"`

	// session_info
	Active       *bool  `json:"active,omitempty"`
	ResumeHandle string `json:"resumeHandle,omitempty"`
	Title        string `json:"title,omitempty"`

	// assistant_partial, result (error text)
	Text string `json:"text,omitempty"`

	// tool_use_start, tool_use, tool_result
	Tool   *types.ToolActivity `json:"tool,omitempty"`
	Output string              `json:"output,omitempty"`

	// assistant_message
	Entry *types.TranscriptEntry `json:"entry,omitempty"`

	// result
	Subtype string `json:"subtype,omitempty"`
	IsError bool   `json:"isError,omitempty"`

	// entity_updated
	Entity   string `json:"entity,omitempty"`
	Deferred bool   `json:"deferred,omitempty"`

	// error
	Code   string `json:"code,omitempty"`
	Detail string `json:"message,omitempty"`
}

// Subscriber receives messages of the sessions it is subscribed to. Send
// must not block; an error removes the subscriber from the session.
type Subscriber interface {
	Send(msg *Message) error
}
