package models

import (
	"time"
)

// Direct-messaging models

// Conversation is the unique thread between exactly two principals.
// Participants are always stored sorted so {A,B} and {B,A} map to the same row.
type Conversation struct {
	ID            string    `json:"id" db:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageID *string   `json:"lastMessageId,omitempty" db:"last_message_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// HasParticipant reports whether principal is one of the two participants
func (c *Conversation) HasParticipant(principal string) bool {
	return c.Participants[0] == principal || c.Participants[1] == principal
}

// OtherParticipant returns the participant that is not principal
func (c *Conversation) OtherParticipant(principal string) string {
	if c.Participants[0] == principal {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// ConversationSummary decorates a conversation for one of its participants
type ConversationSummary struct {
	Conversation
	LastMessage      *Message `json:"lastMessage,omitempty"`
	UnreadCount      int      `json:"unreadCount"`
	OtherParticipant string   `json:"otherParticipant"`
}

// Message is a persisted chat message. The shape is part of the external
// contract: HTTP responses and message-received/message-sent frames carry it as is.
type Message struct {
	ID             string    `json:"id" db:"id"`
	SenderID       string    `json:"senderId" db:"sender_id"`
	ReceiverID     string    `json:"receiverId" db:"receiver_id"`
	Content        string    `json:"content" db:"content"`
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	IsRead         bool      `json:"isRead" db:"is_read"`
	Timestamp      time.Time `json:"timestamp" db:"sent_at"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" db:"updated_at"`
}

// ReadReceipt identifies a message that just transitioned to read
type ReadReceipt struct {
	MessageID      string `json:"messageId" db:"id"`
	SenderID       string `json:"senderId" db:"sender_id"`
	ConversationID string `json:"conversationId" db:"conversation_id"`
}

// ParticipantPair returns the order-independent key of a conversation between a and b
func ParticipantPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}
