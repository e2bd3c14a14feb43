package realtime

import (
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/presence"
	"github.com/livechat/pkg/models"
)

// closer is implemented by handles that can be shut down, such as *Connection
type closer interface {
	Close(code int, reason string)
}

// Router pushes events to principals through the presence registry.
// Lookups happen at send time and the registry lock is never held while writing.
type Router struct {
	registry *presence.Registry
}

// NewRouter constructs a Router over registry
func NewRouter(registry *presence.Registry) *Router {
	return &Router{registry: registry}
}

// SendTo delivers one event to principal's live connection.
// It reports false when the principal is offline or the connection refused the frame.
func (r *Router) SendTo(principal, eventType string, payload interface{}) bool {
	h, ok := r.registry.Lookup(principal)
	if !ok {
		return false
	}
	frame, err := Encode(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to encode event")
		return false
	}
	if err := h.Send(frame); err != nil {
		log.Debug().Err(err).Str("principal", principal).Str("event", eventType).Msg("Dropped event for closing connection")
		return false
	}
	return true
}

// DeliverMessage pushes a stored message to its receiver
func (r *Router) DeliverMessage(msg *models.Message) bool {
	return r.SendTo(msg.ReceiverID, EventMessageReceived, MessagePayload{Message: msg})
}

// NotifyRead tells each online sender which of their messages reader just read.
// Receipts are grouped into one frame per sender and conversation.
func (r *Router) NotifyRead(readerID string, receipts []models.ReadReceipt) {
	type key struct{ sender, conversation string }
	var order []key
	grouped := make(map[key][]string)
	for _, rc := range receipts {
		k := key{rc.SenderID, rc.ConversationID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], rc.MessageID)
	}
	for _, k := range order {
		r.SendTo(k.sender, EventMessagesRead, MessagesReadPayload{
			ReaderID:       readerID,
			ConversationID: k.conversation,
			MessageIDs:     grouped[k],
		})
	}
}

// Typing relays a typing indicator; it is dropped when the receiver is offline
func (r *Router) Typing(from, to string, isTyping bool) bool {
	if from == to {
		return false
	}
	return r.SendTo(to, EventPeerTyping, PeerTypingPayload{Principal: from, IsTyping: isTyping})
}

// BroadcastPresence announces principal's arrival or departure to every other
// connected principal and returns how many accepted the frame.
func (r *Router) BroadcastPresence(principal string, online bool) int {
	eventType := EventPeerOffline
	if online {
		eventType = EventPeerOnline
	}
	frame, err := Encode(eventType, PrincipalPayload{Principal: principal})
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Failed to encode event")
		return 0
	}
	delivered := 0
	for _, h := range r.registry.Others(principal) {
		if err := h.Send(frame); err == nil {
			delivered++
		}
	}
	return delivered
}

// OnlinePrincipals returns the sorted list of connected principals
func (r *Router) OnlinePrincipals() []string {
	return r.registry.Snapshot()
}
