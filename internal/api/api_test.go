// ABOUTME: Tests for the REST API over an in-memory store.
// ABOUTME: Covers registration, login, token gating, and chat CRUD scoping.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/engine"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

type nullEngine struct{}

type nullStream struct {
	events chan engine.Event
}

func (s *nullStream) Events() <-chan engine.Event { return s.events }

func (s *nullStream) Interrupt(ctx context.Context) error { return nil }

func (nullEngine) Open(ctx context.Context, opts engine.Options, prompts engine.PromptSource) (engine.Stream, error) {
	return &nullStream{events: make(chan engine.Event)}, nil
}

type testAPI struct {
	store    store.Store
	registry *session.Registry
	server   *httptest.Server
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := session.NewRegistry(st, nullEngine{}, nil)
	t.Cleanup(registry.CloseAll)

	verifier := auth.NewVerifier([]byte("test-secret"), time.Hour)
	a := New(st, registry, verifier, bcrypt.MinCost, nil)

	router := chi.NewRouter()
	router.Mount("/api", a.Routes())
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testAPI{store: st, registry: registry, server: server}
}

func (a *testAPI) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (a *testAPI) requestList(t *testing.T, method, path, token string) (*http.Response, []any) {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded []any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (a *testAPI) register(t *testing.T, username, email, password string) string {
	t.Helper()
	resp, body := a.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username, "email": email, "password": password,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestRegisterReturnsTokenAndUser(t *testing.T) {
	a := newTestAPI(t)

	resp, body := a.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "secret123",
	})

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["token"])

	user := body["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "alice@example.com", user["email"])
	assert.NotContains(t, user, "passwordHash")
}

func TestRegisterValidation(t *testing.T) {
	a := newTestAPI(t)

	resp, _ := a.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = a.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "", "email": "alice@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	a := newTestAPI(t)
	a.register(t, "alice", "alice@example.com", "secret123")

	resp, _ := a.request(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	a := newTestAPI(t)
	a.register(t, "alice", "alice@example.com", "secret123")

	resp, body := a.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["token"])

	// Wrong password and unknown email read the same.
	resp, _ = a.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.request(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "nobody@example.com", "password": "secret123",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMeRequiresToken(t *testing.T) {
	a := newTestAPI(t)
	token := a.register(t, "alice", "alice@example.com", "secret123")

	resp, body := a.request(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body["username"])

	resp, _ = a.request(t, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = a.request(t, http.MethodGet, "/api/auth/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatCRUD(t *testing.T) {
	a := newTestAPI(t)
	token := a.register(t, "alice", "alice@example.com", "secret123")

	resp, chat := a.request(t, http.MethodPost, "/api/chats", token, map[string]string{"title": "Plans"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	chatID := chat["id"].(string)
	assert.Equal(t, "Plans", chat["title"])

	resp, got := a.request(t, http.MethodGet, "/api/chats/"+chatID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, chatID, got["id"])

	resp, updated := a.request(t, http.MethodPut, "/api/chats/"+chatID, token, map[string]string{"title": "New Plans"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "New Plans", updated["title"])

	resp, list := a.requestList(t, http.MethodGet, "/api/chats", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, list, 1)

	resp, _ = a.request(t, http.MethodDelete, "/api/chats/"+chatID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = a.request(t, http.MethodGet, "/api/chats/"+chatID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatCreateDefaultsTitle(t *testing.T) {
	a := newTestAPI(t)
	token := a.register(t, "alice", "alice@example.com", "secret123")

	resp, chat := a.request(t, http.MethodPost, "/api/chats", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, store.DefaultChatTitle, chat["title"])
}

func TestChatsScopedToOwner(t *testing.T) {
	a := newTestAPI(t)
	aliceToken := a.register(t, "alice", "alice@example.com", "secret123")
	bobToken := a.register(t, "bob", "bob@example.com", "secret123")

	_, chat := a.request(t, http.MethodPost, "/api/chats", aliceToken, map[string]string{"title": "private"})
	chatID := chat["id"].(string)

	resp, _ := a.request(t, http.MethodGet, "/api/chats/"+chatID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = a.request(t, http.MethodDelete, "/api/chats/"+chatID, bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, list := a.requestList(t, http.MethodGet, "/api/chats", bobToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, list)
}

func TestDeleteChatRemovesLiveSession(t *testing.T) {
	a := newTestAPI(t)
	token := a.register(t, "alice", "alice@example.com", "secret123")

	_, chat := a.request(t, http.MethodPost, "/api/chats", token, nil)
	chatID := chat["id"].(string)

	sess := a.registry.GetOrCreate(chatID)
	require.Same(t, sess, a.registry.Get(chatID))

	resp, _ := a.request(t, http.MethodDelete, "/api/chats/"+chatID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, a.registry.Get(chatID))
}

func TestGetMessages(t *testing.T) {
	a := newTestAPI(t)
	token := a.register(t, "alice", "alice@example.com", "secret123")

	_, chat := a.request(t, http.MethodPost, "/api/chats", token, nil)
	chatID := chat["id"].(string)

	_, err := a.store.AddMessage(t.Context(), chatID, store.RoleUser, "question")
	require.NoError(t, err)
	_, err = a.store.AddMessage(t.Context(), chatID, store.RoleAssistant, "answer")
	require.NoError(t, err)

	resp, messages := a.requestList(t, http.MethodGet, "/api/chats/"+chatID+"/messages", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, messages, 2)

	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "question", first["content"])
}

func TestGetMessagesForeignChatRejected(t *testing.T) {
	a := newTestAPI(t)
	aliceToken := a.register(t, "alice", "alice@example.com", "secret123")
	bobToken := a.register(t, "bob", "bob@example.com", "secret123")

	_, chat := a.request(t, http.MethodPost, "/api/chats", aliceToken, nil)
	chatID := chat["id"].(string)

	resp, _ := a.request(t, http.MethodGet, "/api/chats/"+chatID+"/messages", bobToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
