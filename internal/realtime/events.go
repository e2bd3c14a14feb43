package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/livechat/pkg/models"
)

// Inbound event types
const (
	EventSendMessage = "send-message"
	EventTyping      = "typing"
	EventStopTyping  = "stop-typing"
	EventMarkRead    = "mark-read"
)

// Outbound event types
const (
	EventConnectionEstablished = "connection-established"
	EventPeerOnline            = "peer-online"
	EventPeerOffline           = "peer-offline"
	EventMessageReceived       = "message-received"
	EventMessageSent           = "message-sent"
	EventMessageDelivered      = "message-delivered"
	EventMessageQueuedOffline  = "message-queued-offline"
	EventSendFailed            = "send-failed"
	EventPeerTyping            = "peer-typing"
	EventReadReceiptAck        = "read-receipt-ack"
	EventReadReceiptFailed     = "read-receipt-failed"
	EventMessagesRead          = "messages-read"
	EventError                 = "error"
)

// ErrInvalidEvent is returned for frames that cannot be dispatched
var ErrInvalidEvent = errors.New("invalid event")

// Envelope is the wire shape of every frame
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InboundEvent is one of SendMessageEvent, TypingEvent or MarkReadEvent
type InboundEvent interface {
	EventType() string
}

type SendMessageEvent struct {
	ReceiverID      string
	Content         string
	ClientMessageID string
}

func (SendMessageEvent) EventType() string { return EventSendMessage }

type TypingEvent struct {
	ReceiverID string
	IsTyping   bool
}

func (e TypingEvent) EventType() string {
	if e.IsTyping {
		return EventTyping
	}
	return EventStopTyping
}

type MarkReadEvent struct {
	MessageIDs     []string
	ConversationID string
}

func (MarkReadEvent) EventType() string { return EventMarkRead }

type sendMessagePayload struct {
	ReceiverID      *string `json:"receiverId"`
	Content         *string `json:"content"`
	ClientMessageID string  `json:"clientMessageId,omitempty"`
}

type typingPayload struct {
	ReceiverID *string `json:"receiverId"`
}

type markReadPayload struct {
	MessageIDs     []string `json:"messageIds,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
}

// DecodeInbound parses a client frame into a typed event.
// Unknown types, unknown fields and missing required fields are rejected.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch env.Type {
	case EventSendMessage:
		var p sendMessagePayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.ReceiverID == nil {
			return nil, missingField(env.Type, "receiverId")
		}
		if p.Content == nil {
			return nil, missingField(env.Type, "content")
		}
		return SendMessageEvent{ReceiverID: *p.ReceiverID, Content: *p.Content, ClientMessageID: p.ClientMessageID}, nil

	case EventTyping, EventStopTyping:
		var p typingPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.ReceiverID == nil || *p.ReceiverID == "" {
			return nil, missingField(env.Type, "receiverId")
		}
		return TypingEvent{ReceiverID: *p.ReceiverID, IsTyping: env.Type == EventTyping}, nil

	case EventMarkRead:
		var p markReadPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return MarkReadEvent{MessageIDs: p.MessageIDs, ConversationID: p.ConversationID}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, env.Type)
	}
}

func decodePayload(env Envelope, dst interface{}) error {
	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidEvent, env.Type)
	}
	if err := strictUnmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEvent, env.Type, err)
	}
	return nil
}

func strictUnmarshal(data []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after frame")
	}
	return nil
}

func missingField(eventType, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrInvalidEvent, eventType, field)
}

// Outbound payloads

type PrincipalPayload struct {
	Principal string `json:"principal"`
}

type MessagePayload struct {
	Message *models.Message `json:"message"`
}

type MessageSentPayload struct {
	Message   *models.Message `json:"message"`
	Duplicate bool            `json:"duplicate"`
}

type MessageDeliveredPayload struct {
	MessageID  string    `json:"messageId"`
	ReceiverID string    `json:"receiverId"`
	Timestamp  time.Time `json:"timestamp"`
}

type MessageQueuedPayload struct {
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId"`
}

type SendFailedPayload struct {
	Reason          string `json:"reason"`
	Code            string `json:"code"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type PeerTypingPayload struct {
	Principal string `json:"principal"`
	IsTyping  bool   `json:"isTyping"`
}

type ReadReceiptAckPayload struct {
	Count int `json:"count"`
}

type ReadReceiptFailedPayload struct {
	Reason string `json:"reason"`
}

type MessagesReadPayload struct {
	ReaderID       string   `json:"readerId"`
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Encode renders an outbound frame
func Encode(eventType string, payload interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload"`
	}{Type: eventType, Payload: payload})
}
