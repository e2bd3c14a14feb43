package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livechat/pkg/models"
)

// Store persists conversations and messages.
//
// Implementations must enforce two uniqueness rules and report them with
// sentinel errors: a message id is stored at most once (ErrMessageExists) and an
// unordered participant pair owns at most one conversation (ErrConversationExists).
type Store interface {
	// GetMessage returns ErrNotFound when id is unknown
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// FindConversation returns the conversation of the unordered pair {a, b}, or ErrNotFound
	FindConversation(ctx context.Context, a, b string) (*models.Conversation, error)

	// CreateConversation returns ErrConversationExists when the pair already has one
	CreateConversation(ctx context.Context, a, b string) (*models.Conversation, error)

	// AppendMessage inserts msg and advances its conversation's last-message
	// pointer and updatedAt atomically.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// ListMessagesBetween returns, oldest first, the window of the pair's history
	// that skips the offset most recent messages and keeps the next limit.
	// A limit <= 0 returns everything.
	ListMessagesBetween(ctx context.Context, a, b string, limit, offset int) ([]*models.Message, error)

	// ListConversations returns summaries for principal, most recently updated first
	ListConversations(ctx context.Context, principal string) ([]*models.ConversationSummary, error)

	// The Mark* methods flip unread messages addressed to reader and return a
	// receipt for each message that actually transitioned.
	MarkMessagesRead(ctx context.Context, reader string, ids []string) ([]models.ReadReceipt, error)
	MarkConversationRead(ctx context.Context, reader, conversationID string) ([]models.ReadReceipt, error)
	MarkPairRead(ctx context.Context, reader, peer string) ([]models.ReadReceipt, error)

	Ping(ctx context.Context) error
}

// InMemoryStore is a threadsafe in-memory Store for tests and local development
type InMemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]*models.Message
	byConv        map[string][]string
	conversations map[string]*models.Conversation
	byPair        map[[2]string]string
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages:      make(map[string]*models.Message),
		byConv:        make(map[string][]string),
		conversations: make(map[string]*models.Conversation),
		byPair:        make(map[[2]string]string),
		now:           time.Now,
	}
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *InMemoryStore) FindConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[models.ParticipantPair(a, b)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(s.conversations[id]), nil
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := models.ParticipantPair(a, b)
	if _, ok := s.byPair[pair]; ok {
		return nil, ErrConversationExists
	}
	now := s.now().UTC()
	c := &models.Conversation{
		ID:           uuid.NewString(),
		Participants: pair,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.conversations[c.ID] = c
	s.byPair[pair] = c.ID
	return cloneConversation(c), nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return ErrMessageExists
	}
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	s.messages[msg.ID] = cloneMessage(msg)
	s.byConv[c.ID] = append(s.byConv[c.ID], msg.ID)
	id := msg.ID
	c.LastMessageID = &id
	c.UpdatedAt = msg.Timestamp
	return nil
}

func (s *InMemoryStore) ListMessagesBetween(ctx context.Context, a, b string, limit, offset int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.byPair[models.ParticipantPair(a, b)]
	if !ok {
		return []*models.Message{}, nil
	}
	all := s.sortedLocked(convID)

	end := len(all) - offset
	if end < 0 {
		end = 0
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	out := make([]*models.Message, 0, end-start)
	for _, m := range all[start:end] {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, principal string) ([]*models.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ConversationSummary, 0)
	for _, c := range s.conversations {
		if !c.HasParticipant(principal) {
			continue
		}
		summary := &models.ConversationSummary{
			Conversation:     *cloneConversation(c),
			OtherParticipant: c.OtherParticipant(principal),
		}
		if c.LastMessageID != nil {
			if m, ok := s.messages[*c.LastMessageID]; ok {
				summary.LastMessage = cloneMessage(m)
			}
		}
		for _, id := range s.byConv[c.ID] {
			m := s.messages[id]
			if m.ReceiverID == principal && !m.IsRead {
				summary.UnreadCount++
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) MarkMessagesRead(ctx context.Context, reader string, ids []string) ([]models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*models.Message
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if m, ok := s.messages[id]; ok {
			candidates = append(candidates, m)
		}
	}
	return s.markLocked(reader, candidates), nil
}

func (s *InMemoryStore) MarkConversationRead(ctx context.Context, reader, conversationID string) ([]models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(reader, s.sortedLocked(conversationID)), nil
}

func (s *InMemoryStore) MarkPairRead(ctx context.Context, reader, peer string) ([]models.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID, ok := s.byPair[models.ParticipantPair(reader, peer)]
	if !ok {
		return nil, nil
	}
	return s.markLocked(reader, s.sortedLocked(convID)), nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

// markLocked flips unread messages addressed to reader; callers hold s.mu
func (s *InMemoryStore) markLocked(reader string, candidates []*models.Message) []models.ReadReceipt {
	sortMessages(candidates)
	now := s.now().UTC()
	var receipts []models.ReadReceipt
	for _, m := range candidates {
		if m.ReceiverID != reader || m.IsRead {
			continue
		}
		m.IsRead = true
		m.UpdatedAt = now
		receipts = append(receipts, models.ReadReceipt{
			MessageID:      m.ID,
			SenderID:       m.SenderID,
			ConversationID: m.ConversationID,
		})
	}
	return receipts
}

// sortedLocked returns the stored messages of a conversation in chronological order
func (s *InMemoryStore) sortedLocked(convID string) []*models.Message {
	ids := s.byConv[convID]
	all := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.messages[id])
	}
	sortMessages(all)
	return all
}

func sortMessages(ms []*models.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Timestamp.Equal(ms[j].Timestamp) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].Timestamp.Before(ms[j].Timestamp)
	})
}

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		cp.LastMessageID = &id
	}
	return &cp
}
