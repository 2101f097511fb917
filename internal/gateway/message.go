package gateway

import "github.com/user/tripclaw/internal/types"

// InboundType tags a client-to-server frame.
type InboundType string

const (
	TypeSubscribe   InboundType = "subscribe"
	TypeUnsubscribe InboundType = "unsubscribe"
	TypeChat        InboundType = "chat"
	TypeCancel      InboundType = "cancel"
	TypePing        InboundType = "ping"
)

// Error codes sent in error frames.
const (
	CodeInvalidMessage = "invalid_message"
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeQueueFull      = "queue_full"
	CodeUnknownType    = "unknown_type"
)

// Inbound is a frame sent by a client. Conversation fields may be omitted on
// chat, cancel and unsubscribe to target the current subscription.
type Inbound struct {
	Type           InboundType          `json:"type"`
	TripID         types.TripID         `json:"tripId,omitempty"`
	ConversationID types.ConversationID `json:"conversationId,omitempty"`
	Text           string               `json:"text,omitempty"`
}
