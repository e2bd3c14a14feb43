package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/livechat/internal/retry"
	"github.com/livechat/pkg/models"
)

const (
	DefaultMaxContentLength  = 1000
	DefaultMaxClientIDLength = 128
)

// Route describes what happened to a message after it was persisted
type Route string

const (
	RouteDelivered Route = "delivered" // handed to the receiver's live connection
	RouteOffline   Route = "offline"   // stored only; the receiver fetches it later
	RouteNone      Route = "none"      // duplicate submission, not routed again
)

// Notifier pushes persisted state to live connections.
// Both calls must be safe to make from any goroutine and must not block on storage.
type Notifier interface {
	// DeliverMessage reports whether the receiver's live connection accepted msg
	DeliverMessage(msg *models.Message) bool
	NotifyRead(readerID string, receipts []models.ReadReceipt)
}

type nopNotifier struct{}

func (nopNotifier) DeliverMessage(*models.Message) bool     { return false }
func (nopNotifier) NotifyRead(string, []models.ReadReceipt) {}

// Config bounds accepted input
type Config struct {
	MaxContentLength  int
	MaxClientIDLength int
}

func (c Config) withDefaults() Config {
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.MaxClientIDLength <= 0 {
		c.MaxClientIDLength = DefaultMaxClientIDLength
	}
	return c
}

// SendInput is a single message submission
type SendInput struct {
	ReceiverID      string
	Content         string
	ClientMessageID string
}

// SendResult acknowledges a submission with the canonical stored record
type SendResult struct {
	Message   *models.Message
	Duplicate bool
	Route     Route
}

// Page selects a window of history; Limit 0 means everything
type Page struct {
	Number int
	Limit  int
}

// MessagePage is one page of a pair's history, oldest first
type MessagePage struct {
	Messages []*models.Message
	Page     int
	Limit    int
	HasMore  bool
}

// MarkReadRequest selects messages to mark read. MessageIDs wins when both are set.
type MarkReadRequest struct {
	MessageIDs     []string
	ConversationID string
}

// Service runs the message pipeline and the read/retrieval operations shared by
// the HTTP surface and live connections.
type Service struct {
	store         Store
	notifier      Notifier
	cfg           Config
	conflictRetry retry.RetryConfig
	now           func() time.Time
	newID         func() string
}

// Option customizes a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides server-side message id generation
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithConflictRetry overrides the find-or-create retry policy
func WithConflictRetry(cfg retry.RetryConfig) Option {
	return func(s *Service) { s.conflictRetry = cfg }
}

func NewService(store Store, notifier Notifier, cfg Config, opts ...Option) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	s := &Service{
		store:         store,
		notifier:      notifier,
		cfg:           cfg.withDefaults(),
		conflictRetry: retry.ConflictRetryConfig(),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send validates, deduplicates, persists and routes one message.
// Resubmitting the same ClientMessageID returns the stored record with Duplicate set.
func (s *Service) Send(ctx context.Context, sender string, in SendInput) (*SendResult, error) {
	receiver, content, err := s.validateSend(sender, in)
	if err != nil {
		return nil, err
	}

	if in.ClientMessageID != "" {
		dup, err := s.existing(ctx, sender, in.ClientMessageID)
		if dup != nil || err != nil {
			return dup, err
		}
	}

	conv, err := s.resolveConversation(ctx, sender, receiver)
	if err != nil {
		return nil, err
	}

	// stored timestamps have microsecond precision
	now := s.now().UTC().Truncate(time.Microsecond)
	msg := &models.Message{
		ID:             in.ClientMessageID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        content,
		ConversationID: conv.ID,
		Timestamp:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if msg.ID == "" {
		msg.ID = s.newID()
	}

	if err := s.store.AppendMessage(ctx, msg); err != nil {
		if errors.Is(err, ErrMessageExists) {
			// lost a race with a concurrent submission of the same id
			dup, lookupErr := s.existing(ctx, sender, msg.ID)
			if dup != nil || lookupErr != nil {
				return dup, lookupErr
			}
		}
		return nil, s.storageFailure("append message", err)
	}

	route := RouteOffline
	if s.notifier.DeliverMessage(msg) {
		route = RouteDelivered
	}

	log.Debug().
		Str("message_id", msg.ID).
		Str("conversation_id", msg.ConversationID).
		Str("route", string(route)).
		Msg("Message stored")

	return &SendResult{Message: msg, Route: route}, nil
}

// ListMessages returns one page of the history between requester and peer.
// Every unread message addressed to requester is marked read first, so the
// returned records carry isRead=true and the senders are notified.
func (s *Service) ListMessages(ctx context.Context, requester, peer string, page Page) (*MessagePage, error) {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return nil, invalidField("receiverId", "is required")
	}
	if peer == requester {
		return nil, invalidField("receiverId", "must differ from the requester")
	}
	if page.Limit < 0 {
		return nil, invalidField("limit", "must not be negative")
	}
	if page.Number < 1 {
		page.Number = 1
	}

	receipts, err := s.store.MarkPairRead(ctx, requester, peer)
	if err != nil {
		return nil, s.storageFailure("mark pair read", err)
	}

	fetch, offset := 0, 0
	if page.Limit > 0 {
		fetch = page.Limit + 1
		offset = (page.Number - 1) * page.Limit
	}
	messages, err := s.store.ListMessagesBetween(ctx, requester, peer, fetch, offset)
	if err != nil {
		return nil, s.storageFailure("list messages", err)
	}

	result := &MessagePage{Page: page.Number, Limit: page.Limit}
	if page.Limit > 0 && len(messages) > page.Limit {
		// the extra row is the oldest one and only signals more history
		messages = messages[1:]
		result.HasMore = true
	}
	result.Messages = messages

	if len(receipts) > 0 {
		s.notifier.NotifyRead(requester, receipts)
	}
	return result, nil
}

// ListConversations returns principal's conversations, most recently active first
func (s *Service) ListConversations(ctx context.Context, principal string) ([]*models.ConversationSummary, error) {
	summaries, err := s.store.ListConversations(ctx, principal)
	if err != nil {
		return nil, s.storageFailure("list conversations", err)
	}
	return summaries, nil
}

// MarkRead marks messages addressed to reader as read and returns how many changed.
// Repeating a request is harmless and reports 0.
func (s *Service) MarkRead(ctx context.Context, reader string, req MarkReadRequest) (int, error) {
	var (
		receipts []models.ReadReceipt
		err      error
	)
	switch {
	case len(req.MessageIDs) > 0:
		receipts, err = s.store.MarkMessagesRead(ctx, reader, req.MessageIDs)
	case strings.TrimSpace(req.ConversationID) != "":
		receipts, err = s.store.MarkConversationRead(ctx, reader, strings.TrimSpace(req.ConversationID))
	default:
		return 0, invalidField("messageIds", "messageIds or conversationId is required")
	}
	if err != nil {
		return 0, s.storageFailure("mark read", err)
	}
	if len(receipts) > 0 {
		s.notifier.NotifyRead(reader, receipts)
	}
	return len(receipts), nil
}

// Ping checks that the store is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// validateSend returns the normalized receiver and content
func (s *Service) validateSend(sender string, in SendInput) (string, string, error) {
	receiver := strings.TrimSpace(in.ReceiverID)
	if receiver == "" {
		return "", "", invalidField("receiverId", "is required")
	}
	if receiver == sender {
		return "", "", invalidField("receiverId", "cannot send a message to yourself")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return "", "", invalidField("content", "must not be empty")
	}
	if strings.ContainsRune(content, 0) {
		return "", "", invalidField("content", "must not contain NUL characters")
	}
	if utf8.RuneCountInString(content) > s.cfg.MaxContentLength {
		return "", "", invalidField("content", "exceeds the maximum length")
	}
	if len(in.ClientMessageID) > s.cfg.MaxClientIDLength {
		return "", "", invalidField("clientMessageId", "is too long")
	}
	return receiver, content, nil
}

// existing returns a duplicate result when id is already stored for sender,
// nil when the id is free, and ErrMessageIDTaken when another sender owns it.
func (s *Service) existing(ctx context.Context, sender, id string) (*SendResult, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.storageFailure("lookup message", err)
	}
	if msg.SenderID != sender {
		log.Warn().
			Str("message_id", id).
			Str("sender", sender).
			Msg("Client message id already used by another sender")
		return nil, ErrMessageIDTaken
	}
	return &SendResult{Message: msg, Duplicate: true, Route: RouteNone}, nil
}

func (s *Service) resolveConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	var conv *models.Conversation
	result := retry.RetryIf(ctx, s.conflictRetry, func() error {
		c, err := s.store.FindConversation(ctx, a, b)
		if err == nil {
			conv = c
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		c, err = s.store.CreateConversation(ctx, a, b)
		if err != nil {
			return err
		}
		conv = c
		return nil
	}, func(err error) bool { return errors.Is(err, ErrConversationExists) })

	if result.Success {
		return conv, nil
	}
	if errors.Is(result.LastError, ErrConversationExists) {
		log.Warn().
			Str("participant_a", a).
			Str("participant_b", b).
			Int("attempts", result.Attempts).
			Msg("Conversation find-or-create kept conflicting")
		return nil, ErrConflict
	}
	return nil, s.storageFailure("resolve conversation", result.LastError)
}

func (s *Service) storageFailure(op string, err error) error {
	log.Error().Err(err).Str("op", op).Msg("Chat storage operation failed")
	return storageError(op, err)
}
