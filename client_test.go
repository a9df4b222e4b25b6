package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL+"/"), WithTimeout(5*time.Second))
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]string{"code": code, "message": msg}})
}

// ============================================================================
// Client
// ============================================================================

func TestNewClientDefaults(t *testing.T) {
	c := NewClient("")
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
	assert.Equal(t, StreamSSE, c.streamMode)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)

	c = NewClient("", WithBaseURL("http://gw:1/"), WithStreamMode(StreamWebSocket))
	assert.Equal(t, "http://gw:1", c.BaseURL())
	assert.Equal(t, StreamWebSocket, c.streamMode)
}

func TestCreateConversation(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/conversations", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			writeOK(w, map[string]string{"conversationKey": "agent:main:k9", "displayIdentifier": "k9"})
		})
		res, err := c.CreateConversation(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "agent:main:k9", res.ConversationKey)
		assert.Equal(t, "k9", res.DisplayID)
	})

	t.Run("display id defaults to key", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeOK(w, map[string]string{"conversationKey": "k9"})
		})
		res, err := c.CreateConversation(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "k9", res.DisplayID)
	})

	t.Run("missing key", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeOK(w, map[string]string{})
		})
		_, err := c.CreateConversation(context.Background())
		require.Error(t, err)
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, "create conversation", opErr.Op)
	})
}

func TestSendMessage(t *testing.T) {
	var got SendMessageRequest
	var rawAttachments string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/agent:main:k1/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		rawAttachments = gjson.GetBytes(body, "attachments").Raw
		_ = json.Unmarshal(body, &got)
		writeOK(w, map[string]any{})
	})

	err := c.SendMessage(context.Background(), &SendMessageRequest{
		ConversationKey:  "agent:main:k1",
		DisplayID:        "k1",
		Text:             "hello",
		IdempotencyToken: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "c1", got.IdempotencyToken)
	assert.Equal(t, "[]", rawAttachments)

	err = c.SendMessage(context.Background(), &SendMessageRequest{})
	require.Error(t, err)
}

func TestAuthMissingMapping(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		auth    bool
	}{
		{"HTTP 401", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }, true},
		{"HTTP 403", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }, true},
		{"AUTH_MISSING code", func(w http.ResponseWriter, r *http.Request) {
			writeErr(w, http.StatusOK, "AUTH_MISSING", "no token")
		}, true},
		{"UNAUTHORIZED code", func(w http.ResponseWriter, r *http.Request) {
			writeErr(w, http.StatusBadRequest, "UNAUTHORIZED", "bad token")
		}, true},
		{"other code", func(w http.ResponseWriter, r *http.Request) {
			writeErr(w, http.StatusBadRequest, "AGENT_BUSY", "try later")
		}, false},
		{"non-json 500", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			err := c.SendMessage(context.Background(), &SendMessageRequest{ConversationKey: "k1", Text: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.auth, IsAuthMissing(err), "err = %v", err)
		})
	}
}

func TestAPIErrorIsReachable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusConflict, "AGENT_BUSY", "try later")
	})
	err := c.SendMessage(context.Background(), &SendMessageRequest{ConversationKey: "k1", Text: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "AGENT_BUSY", apiErr.Code)
}

func TestFetchHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k1", r.URL.Query().Get("displayIdentifier"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"data":{"conversationKey":"agent:main:k1","messages":[
			{"id":"s1","role":"user","content":"hi","idempotencyToken":"c1","createdAt":"2026-03-01T12:00:00Z"},
			{"id":"s2","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"hello"},
				{"type":"toolCall","toolCallId":"t1","toolName":"search","toolInput":{"q":"go"}}],"createdAt":1772366401000},
			{"serverId":"s3","role":"assistant","text":"plain"}
		]}}`))
	})

	h, err := c.FetchHistory(context.Background(), "k1", "k1")
	require.NoError(t, err)
	assert.Equal(t, "agent:main:k1", h.ConversationKey)
	require.Len(t, h.Messages, 3)

	m := h.Messages[0]
	assert.Equal(t, "s1", m.ID)
	assert.Equal(t, "s1", m.ServerID)
	assert.Equal(t, "c1", m.ClientID)
	assert.Equal(t, RoleUser, m.Role)
	assert.Equal(t, "hi", m.Text())
	assert.True(t, m.CreatedAt.Equal(testNow))

	m = h.Messages[1]
	assert.Equal(t, RoleAssistant, m.Role, "role defaults to assistant")
	assert.Equal(t, "hello", m.Text())
	assert.Equal(t, "hmm", m.Thinking())
	require.Len(t, m.Content, 3)
	assert.Equal(t, "search", m.Content[2].ToolName)
	assert.Equal(t, "go", m.Content[2].ToolInput["q"])
	assert.Equal(t, int64(1772366401000), m.CreatedAt.UnixMilli())

	m = h.Messages[2]
	assert.Equal(t, "s3", m.ID)
	assert.Equal(t, "plain", m.Text())
}

func TestListConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"data":{"conversations":[
			{"conversationKey":"k1","displayIdentifier":"d1","title":"First","updatedAt":"2026-03-01T12:00:00Z",
			 "lastMessage":{"id":"s9","role":"assistant","content":"bye"}},
			{"conversationKey":"k2","displayIdentifier":"d2"}
		]}}`))
	})

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "d1", convs[0].DisplayID)
	assert.Equal(t, "First", convs[0].Title)
	require.NotNil(t, convs[0].LastMessage)
	assert.Equal(t, "bye", convs[0].LastMessage.Text())
	assert.Nil(t, convs[1].LastMessage)
}

func TestCheckGatewayStatus(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { writeOK(w, nil) })
		st, err := c.CheckGatewayStatus(context.Background())
		require.NoError(t, err)
		assert.True(t, st.OK)
	})

	t.Run("unauthorized", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
		st, err := c.CheckGatewayStatus(context.Background())
		require.NoError(t, err)
		assert.False(t, st.OK)
		assert.Equal(t, ErrAuthMissing.Error(), st.Error)
	})

	t.Run("unreachable", func(t *testing.T) {
		c := NewClient("", WithBaseURL("http://127.0.0.1:1"), WithTimeout(time.Second))
		st, err := c.CheckGatewayStatus(context.Background())
		require.NoError(t, err)
		assert.False(t, st.OK)
		assert.NotEmpty(t, st.Error)
	})
}

func TestParseTime(t *testing.T) {
	assert.True(t, parseTime(gjson.Parse(`"2026-03-01T12:00:00Z"`)).Equal(testNow))
	assert.Equal(t, int64(1772366400000), parseTime(gjson.Parse(`1772366400000`)).UnixMilli())
	assert.Equal(t, int64(1772366400000), parseTime(gjson.Parse(`"1772366400000"`)).UnixMilli())
	assert.True(t, parseTime(gjson.Parse(`"yesterday"`)).IsZero())
	assert.True(t, parseTime(gjson.Parse(`null`)).IsZero())
}
