package chat

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/database"
	"github.com/livechat/pkg/models"
)

// storeContract exercises behaviour every Store implementation must share
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	appendMsg := func(t *testing.T, s Store, conv *models.Conversation, id, from, to string, at time.Time) *models.Message {
		t.Helper()
		m := &models.Message{
			ID: id, SenderID: from, ReceiverID: to, Content: "text " + id,
			ConversationID: conv.ID, Timestamp: at, CreatedAt: at, UpdatedAt: at,
		}
		require.NoError(t, s.AppendMessage(ctx, m))
		return m
	}

	t.Run("ConversationPairIsUnordered", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindConversation(ctx, "alice", "bob")
		assert.ErrorIs(t, err, ErrNotFound)

		created, err := s.CreateConversation(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, [2]string{"alice", "bob"}, created.Participants)

		_, err = s.CreateConversation(ctx, "alice", "bob")
		assert.ErrorIs(t, err, ErrConversationExists)

		found, err := s.FindConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)
		assert.Nil(t, found.LastMessageID)
	})

	t.Run("AppendMessage", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)

		m := appendMsg(t, s, conv, "m-1", "alice", "bob", base)

		got, err := s.GetMessage(ctx, "m-1")
		require.NoError(t, err)
		assert.Equal(t, m.Content, got.Content)
		assert.True(t, got.Timestamp.Equal(base))
		assert.False(t, got.IsRead)

		again := *m
		again.Content = "other"
		assert.ErrorIs(t, s.AppendMessage(ctx, &again), ErrMessageExists)

		conv2, err := s.FindConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		require.NotNil(t, conv2.LastMessageID)
		assert.Equal(t, "m-1", *conv2.LastMessageID)
		assert.True(t, conv2.UpdatedAt.Equal(base))

		_, err = s.GetMessage(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("SentRecordMatchesStored", func(t *testing.T) {
		s := newStore(t)
		at := base.Add(123456789 * time.Nanosecond)
		svc := NewService(s, nil, Config{}, WithClock(func() time.Time { return at }))

		sent, err := svc.Send(ctx, "alice", SendInput{ReceiverID: "bob", Content: "exact", ClientMessageID: "rt-1"})
		require.NoError(t, err)

		stored, err := s.GetMessage(ctx, "rt-1")
		require.NoError(t, err)
		if diff := cmp.Diff(sent.Message, stored); diff != "" {
			t.Fatalf("acknowledged record differs from stored record (-sent +stored):\n%s", diff)
		}

		listed, err := s.ListMessagesBetween(ctx, "bob", "alice", 0, 0)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		if diff := cmp.Diff(sent.Message, listed[0]); diff != "" {
			t.Fatalf("acknowledged record differs from listed record (-sent +listed):\n%s", diff)
		}
	})

	t.Run("ListMessagesBetween", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		other, err := s.CreateConversation(ctx, "alice", "carol")
		require.NoError(t, err)

		// same timestamp for b and a: the id breaks the tie
		appendMsg(t, s, conv, "c", "alice", "bob", base.Add(2*time.Second))
		appendMsg(t, s, conv, "b", "bob", "alice", base.Add(time.Second))
		appendMsg(t, s, conv, "a", "alice", "bob", base.Add(time.Second))
		appendMsg(t, s, other, "x", "alice", "carol", base)

		ids := func(ms []*models.Message) []string {
			out := []string{}
			for _, m := range ms {
				out = append(out, m.ID)
			}
			return out
		}

		all, err := s.ListMessagesBetween(ctx, "bob", "alice", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, ids(all))

		recent, err := s.ListMessagesBetween(ctx, "alice", "bob", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, ids(recent))

		older, err := s.ListMessagesBetween(ctx, "alice", "bob", 2, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, ids(older))

		none, err := s.ListMessagesBetween(ctx, "alice", "dave", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("MarkRead", func(t *testing.T) {
		s := newStore(t)
		conv, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		appendMsg(t, s, conv, "r1", "alice", "bob", base)
		appendMsg(t, s, conv, "r2", "alice", "bob", base.Add(time.Second))
		appendMsg(t, s, conv, "r3", "bob", "alice", base.Add(2*time.Second))
		appendMsg(t, s, conv, "r4", "alice", "bob", base.Add(3*time.Second))

		receipts, err := s.MarkMessagesRead(ctx, "bob", []string{"r2", "r3", "missing"})
		require.NoError(t, err)
		assert.Equal(t, []models.ReadReceipt{{MessageID: "r2", SenderID: "alice", ConversationID: conv.ID}}, receipts)

		receipts, err = s.MarkConversationRead(ctx, "bob", conv.ID)
		require.NoError(t, err)
		require.Len(t, receipts, 2)
		assert.Equal(t, "r1", receipts[0].MessageID)
		assert.Equal(t, "r4", receipts[1].MessageID)

		receipts, err = s.MarkPairRead(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Empty(t, receipts)

		receipts, err = s.MarkPairRead(ctx, "alice", "bob")
		require.NoError(t, err)
		require.Len(t, receipts, 1)
		assert.Equal(t, "r3", receipts[0].MessageID)

		m, err := s.GetMessage(ctx, "r3")
		require.NoError(t, err)
		assert.True(t, m.IsRead)
	})

	t.Run("ListConversations", func(t *testing.T) {
		s := newStore(t)
		ab, err := s.CreateConversation(ctx, "alice", "bob")
		require.NoError(t, err)
		ac, err := s.CreateConversation(ctx, "carol", "alice")
		require.NoError(t, err)
		_, err = s.CreateConversation(ctx, "bob", "carol")
		require.NoError(t, err)

		appendMsg(t, s, ab, "l1", "bob", "alice", base)
		appendMsg(t, s, ac, "l2", "carol", "alice", base.Add(time.Minute))
		appendMsg(t, s, ac, "l3", "alice", "carol", base.Add(2*time.Minute))

		summaries, err := s.ListConversations(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, summaries, 2)

		assert.Equal(t, ac.ID, summaries[0].ID)
		assert.Equal(t, "carol", summaries[0].OtherParticipant)
		assert.Equal(t, 1, summaries[0].UnreadCount)
		require.NotNil(t, summaries[0].LastMessage)
		assert.Equal(t, "l3", summaries[0].LastMessage.ID)

		assert.Equal(t, ab.ID, summaries[1].ID)
		assert.Equal(t, "bob", summaries[1].OtherParticipant)
		assert.Equal(t, 1, summaries[1].UnreadCount)
	})
}

func TestInMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	conv, err := s.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, &models.Message{ID: "m", SenderID: "alice", ReceiverID: "bob", Content: "hi", ConversationID: conv.ID}))

	got, err := s.GetMessage(ctx, "m")
	require.NoError(t, err)
	got.Content = "tampered"

	again, err := s.GetMessage(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Content)
}

func TestPostgresStore(t *testing.T) {
	dbURL := os.Getenv("LIVECHAT_TEST_DATABASE_URL")
	if dbURL == "" || testing.Short() {
		t.Skip("LIVECHAT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, database.Migrate(ctx, dbURL))

	db, err := database.NewDB(ctx, dbURL, database.Options{StatementTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	storeContract(t, func(t *testing.T) Store {
		truncate(t, db)
		return NewPostgresStore(db)
	})
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	for _, table := range []string{"messages", "conversations"} {
		_, err := db.Exec(fmt.Sprintf("DELETE FROM %s", table))
		require.NoError(t, err)
	}
}
