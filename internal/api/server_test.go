package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livechat/internal/api/auth"
	"github.com/livechat/internal/chat"
	"github.com/livechat/internal/presence"
	"github.com/livechat/internal/realtime"
)

const testSecret = "api-secret"

type testAPI struct {
	server   *Server
	registry *presence.Registry
	store    *chat.InMemoryStore
}

type unreachableStore struct {
	chat.Store
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}

func newTestAPI(t *testing.T, wrap func(chat.Store) chat.Store) *testAPI {
	t.Helper()
	registry := presence.NewRegistry()
	router := realtime.NewRouter(registry)
	store := chat.NewInMemoryStore()
	var backing chat.Store = store
	if wrap != nil {
		backing = wrap(store)
	}
	service := chat.NewService(backing, router, chat.Config{})
	verifier := auth.NewVerifier(testSecret)
	gateway := realtime.NewGateway(context.Background(), registry, router, service, verifier, realtime.Config{})

	server := NewServer(0, []string{"*"}, Deps{
		Chat:     service,
		Router:   router,
		Gateway:  gateway,
		Verifier: verifier,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gateway.Shutdown(ctx)
	})
	return &testAPI{server: server, registry: registry, store: store}
}

func token(t *testing.T, principal string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  principal,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (a *testAPI) do(t *testing.T, principal, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if principal != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, principal))
	}
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	return rec.Code, decoded
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)

	code, body := a.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["onlineUsers"])
	assert.Equal(t, []interface{}{}, body["onlineUsersList"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "timestamp")
}

func TestHealth_Degraded(t *testing.T) {
	a := newTestAPI(t, func(s chat.Store) chat.Store { return unreachableStore{s} })

	code, body := a.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestMessagesRequireAuth(t *testing.T) {
	a := newTestAPI(t, nil)

	code, body := a.do(t, "", http.MethodGet, "/api/v1/messages?receiverId=bob", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "missing", body["reason"])

	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/online-users", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotFound(t *testing.T) {
	a := newTestAPI(t, nil)

	code, body := a.do(t, "", http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Not Found", body["error"])
	assert.Contains(t, body, "timestamp")
}

func TestSendMessage(t *testing.T) {
	a := newTestAPI(t, nil)

	code, body := a.do(t, "alice", http.MethodPost, "/api/v1/messages", `{"receiverId":"bob","content":"hi bob","messageId":"c-1"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["duplicate"])
	assert.Equal(t, false, body["delivered"])
	msg := body["message"].(map[string]interface{})
	assert.Equal(t, "c-1", msg["id"])
	assert.Equal(t, "alice", msg["senderId"])
	assert.Equal(t, "bob", msg["receiverId"])
	assert.Equal(t, "hi bob", msg["content"])
	assert.Equal(t, false, msg["isRead"])

	t.Run("DuplicateReturnsStoredRecord", func(t *testing.T) {
		code, body := a.do(t, "alice", http.MethodPost, "/api/v1/messages", `{"receiverId":"bob","content":"changed","clientMessageId":"c-1"}`)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["duplicate"])
		assert.Equal(t, "hi bob", body["message"].(map[string]interface{})["content"])
	})

	t.Run("IDTakenByAnotherSender", func(t *testing.T) {
		code, body := a.do(t, "carol", http.MethodPost, "/api/v1/messages", `{"receiverId":"bob","content":"x","clientMessageId":"c-1"}`)
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "message_id_taken", body["code"])
	})

	t.Run("Validation", func(t *testing.T) {
		cases := map[string]string{
			"EmptyContent":    `{"receiverId":"bob","content":"   "}`,
			"MissingReceiver": `{"content":"hi"}`,
			"SelfMessage":     `{"receiverId":"alice","content":"hi"}`,
			"TooLong":         `{"receiverId":"bob","content":"` + strings.Repeat("a", 1001) + `"}`,
			"Malformed":       `{"receiverId":`,
			"PaddedSelf":      `{"receiverId":" alice ","content":"hi"}`,
			"NULInContent":    `{"receiverId":"bob","content":"hi\u0000there"}`,
		}
		for name, payload := range cases {
			t.Run(name, func(t *testing.T) {
				code, body := a.do(t, "alice", http.MethodPost, "/api/v1/messages", payload)
				assert.Equal(t, http.StatusBadRequest, code)
				assert.Equal(t, false, body["success"])
				assert.Equal(t, "validation_failed", body["code"])
			})
		}
	})
}

func TestSendMessage_DeliveredToLiveReceiver(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := httptest.NewServer(a.server.Handler())
	defer srv.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?token="+token(t, "bob"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer ws.Close()

	readFrame := func() realtime.Envelope {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var env realtime.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}
	require.Equal(t, realtime.EventConnectionEstablished, readFrame().Type)
	require.Eventually(t, func() bool { return a.registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	code, body := a.do(t, "alice", http.MethodPost, "/api/v1/messages", `{"receiverId":"bob","content":"are you there?"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, body["delivered"])

	env := readFrame()
	require.Equal(t, realtime.EventMessageReceived, env.Type)
	var payload realtime.MessagePayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "are you there?", payload.Message.Content)
	assert.Equal(t, body["message"].(map[string]interface{})["id"], payload.Message.ID)

	code, body = a.do(t, "alice", http.MethodGet, "/api/v1/messages/online-users", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{"bob"}, body["onlineUsers"])
}

func TestGetMessages(t *testing.T) {
	a := newTestAPI(t, nil)
	for _, content := range []string{"one", "two", "three"} {
		code, _ := a.do(t, "alice", http.MethodPost, "/api/v1/messages", `{"receiverId":"bob","content":"`+content+`"}`)
		require.Equal(t, http.StatusCreated, code)
		time.Sleep(2 * time.Millisecond)
	}

	t.Run("MissingReceiver", func(t *testing.T) {
		code, body := a.do(t, "bob", http.MethodGet, "/api/v1/messages", "")
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "Missing required query parameter: receiverId", body["error"])
	})

	t.Run("BadPaging", func(t *testing.T) {
		code, _ := a.do(t, "bob", http.MethodGet, "/api/v1/messages?receiverId=alice&page=0", "")
		assert.Equal(t, http.StatusBadRequest, code)
		code, _ = a.do(t, "bob", http.MethodGet, "/api/v1/messages?receiverId=alice&limit=x", "")
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("DefaultPageMarksRead", func(t *testing.T) {
		code, body := a.do(t, "bob", http.MethodGet, "/api/v1/messages?receiverId=alice", "")
		require.Equal(t, http.StatusOK, code)
		pagination := body["pagination"].(map[string]interface{})
		assert.Equal(t, float64(1), pagination["page"])
		assert.Equal(t, float64(defaultHistoryLimit), pagination["limit"])
		assert.Equal(t, false, pagination["hasMore"])

		messages := body["messages"].([]interface{})
		require.Len(t, messages, 3)
		var contents []string
		for _, m := range messages {
			msg := m.(map[string]interface{})
			contents = append(contents, msg["content"].(string))
			assert.Equal(t, true, msg["isRead"])
		}
		assert.Equal(t, []string{"one", "two", "three"}, contents)
	})

	t.Run("Paged", func(t *testing.T) {
		code, body := a.do(t, "alice", http.MethodGet, "/api/v1/messages?receiverId=bob&page=1&limit=2", "")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["pagination"].(map[string]interface{})["hasMore"])
		messages := body["messages"].([]interface{})
		require.Len(t, messages, 2)
		assert.Equal(t, "two", messages[0].(map[string]interface{})["content"])
		assert.Equal(t, "three", messages[1].(map[string]interface{})["content"])
	})

	t.Run("EmptyHistory", func(t *testing.T) {
		code, body := a.do(t, "alice", http.MethodGet, "/api/v1/messages?receiverId=nobody", "")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, []interface{}{}, body["messages"])
	})
}

func TestGetConversations(t *testing.T) {
	a := newTestAPI(t, nil)

	code, body := a.do(t, "alice", http.MethodGet, "/api/v1/messages/conversations", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []interface{}{}, body["conversations"])

	code, _ = a.do(t, "bob", http.MethodPost, "/api/v1/messages", `{"receiverId":"alice","content":"hello"}`)
	require.Equal(t, http.StatusCreated, code)

	code, body = a.do(t, "alice", http.MethodGet, "/api/v1/messages/conversations", "")
	require.Equal(t, http.StatusOK, code)
	conversations := body["conversations"].([]interface{})
	require.Len(t, conversations, 1)
	conv := conversations[0].(map[string]interface{})
	assert.Equal(t, "bob", conv["otherParticipant"])
	assert.Equal(t, float64(1), conv["unreadCount"])
	assert.Equal(t, []interface{}{"alice", "bob"}, conv["participants"])
	assert.Equal(t, "hello", conv["lastMessage"].(map[string]interface{})["content"])
}

func TestMarkRead(t *testing.T) {
	a := newTestAPI(t, nil)
	code, body := a.do(t, "alice", http.MethodPost, "/api/v1/messages", `{"receiverId":"bob","content":"ping","clientMessageId":"m-1"}`)
	require.Equal(t, http.StatusCreated, code)
	convID := body["message"].(map[string]interface{})["conversationId"].(string)
	_, body = a.do(t, "alice", http.MethodPost, "/api/v1/messages", `{"receiverId":"bob","content":"pong","clientMessageId":"m-2"}`)
	require.Equal(t, true, body["success"])

	code, body = a.do(t, "bob", http.MethodPatch, "/api/v1/messages/read", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Either conversationId or messageIds must be provided", body["error"])

	code, body = a.do(t, "bob", http.MethodPatch, "/api/v1/messages/read", `{"messageIds":["m-1"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["modifiedCount"])
	assert.Equal(t, "Messages marked as read", body["message"])

	// the sender cannot mark their own outgoing messages
	code, body = a.do(t, "alice", http.MethodPatch, "/api/v1/messages/read", `{"conversationId":"`+convID+`"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["modifiedCount"])

	code, body = a.do(t, "bob", http.MethodPatch, "/api/v1/messages/read", `{"conversationId":"`+convID+`"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["modifiedCount"])

	msg, err := a.store.GetMessage(context.Background(), "m-2")
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
}
