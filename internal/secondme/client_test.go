package secondme

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		Endpoint:     srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Retries:      retries,
		RetryBackoff: time.Millisecond,
		RateLimit:    1000,
		Burst:        100,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	_, err := New(Config{Endpoint: "not a url"})
	assert.Error(t, err)

	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, c.Endpoint())
}

func TestChatSendsBearerAndPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "demo-user-123", req.UserID)
		assert.Equal(t, "hello", req.Message)
		assert.Equal(t, "debating", req.Context["phase"])
		_ = json.NewEncoder(w).Encode(chatResponse{Reply: "buy STOCK42"})
	})
	c := newTestClient(t, mux, -1)

	reply, err := c.Chat(context.Background(), "tok-1", "demo-user-123", "hello", map[string]any{"phase": "debating"})
	require.NoError(t, err)
	assert.Equal(t, "buy STOCK42", reply)
}

func TestChatRequiresToken(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), -1)
	_, err := c.Chat(context.Background(), "", "u", "hi", nil)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestRetriesOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse{Reply: "ok"})
	}), 2)

	reply, err := c.Chat(context.Background(), "tok", "u", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}), 3)

	_, err := c.UserProfile(context.Background(), "tok")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "bad token", apiErr.Body)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}), 1)

	_, err := c.ListNotes(context.Background(), "tok", "u")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/notes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var note Note
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&note))
			assert.Equal(t, "round 1", note.Title)
			_ = json.NewEncoder(w).Encode(saveNoteResponse{ID: "note-1"})
		case http.MethodGet:
			assert.Equal(t, "demo-user-123", r.URL.Query().Get("user_id"))
			_ = json.NewEncoder(w).Encode([]Note{{ID: "note-1", Title: "round 1", Content: "STOCK1"}})
		}
	})
	c := newTestClient(t, mux, -1)

	id, err := c.SaveNote(context.Background(), "tok", "demo-user-123", "round 1", "STOCK1")
	require.NoError(t, err)
	assert.Equal(t, "note-1", id)

	notes, err := c.ListNotes(context.Background(), "tok", "demo-user-123")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "STOCK1", notes[0].Content)
}

func TestUserProfile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/me", r.URL.Path)
		_ = json.NewEncoder(w).Encode(User{ID: "demo-user-123", Username: "Demo User"})
	}), -1)

	user, err := c.UserProfile(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "Demo User", user.Username)
}

func TestAuthURLAndExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "code-1", r.Form.Get("code"))
		assert.Equal(t, "client-id", r.Form.Get("client_id"))
		assert.Equal(t, "client-secret", r.Form.Get("client_secret"))
		assert.Equal(t, "http://localhost/callback", r.Form.Get("redirect_uri"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"real-token","token_type":"Bearer","expires_in":3600}`))
	})
	c := newTestClient(t, mux, -1)

	raw := c.AuthURL("http://localhost/callback", "st")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/oauth2/authorize", u.Path)
	assert.Equal(t, "client-id", u.Query().Get("client_id"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
	assert.Equal(t, "st", u.Query().Get("state"))
	assert.Equal(t, "http://localhost/callback", u.Query().Get("redirect_uri"))

	tok, err := c.Exchange(context.Background(), "code-1", "http://localhost/callback")
	require.NoError(t, err)
	assert.Equal(t, "real-token", tok.AccessToken)

	_, err = c.Exchange(context.Background(), " ", "http://localhost/callback")
	assert.Error(t, err)
}

func TestExchangeErrorIsAPIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}), -1)

	_, err := c.Exchange(context.Background(), "bad", "http://localhost/callback")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
