// ABOUTME: REST API for accounts and chat management.
// ABOUTME: chi router with bearer-token middleware over the store and registry.

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/session"
	"github.com/2389/parley/internal/store"
)

const minPasswordLength = 6

// API serves the HTTP surface: auth endpoints and chat CRUD. Message flow
// stays on the WebSocket gateway; this layer only reads history.
type API struct {
	store      store.Store
	registry   *session.Registry
	verifier   *auth.Verifier
	bcryptCost int
	logger     *slog.Logger
}

// New creates the API handler set.
func New(st store.Store, registry *session.Registry, verifier *auth.Verifier, bcryptCost int, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		store:      st,
		registry:   registry,
		verifier:   verifier,
		bcryptCost: bcryptCost,
		logger:     logger.With("component", "api"),
	}
}

// Routes returns the API router, meant to be mounted under /api.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)
		r.With(a.requireAuth).Get("/me", a.handleMe)
	})

	r.Route("/chats", func(r chi.Router) {
		r.Use(a.requireAuth)
		r.Get("/", a.handleListChats)
		r.Post("/", a.handleCreateChat)
		r.Get("/{chatID}", a.handleGetChat)
		r.Put("/{chatID}", a.handleUpdateChat)
		r.Delete("/{chatID}", a.handleDeleteChat)
		r.Get("/{chatID}/messages", a.handleGetMessages)
	})

	return r
}

type ctxKey int

const claimsKey ctxKey = 0

// requireAuth extracts and verifies the bearer token, stashing the claims
// in the request context.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := contextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// userResponse is the public view of a user. The password hash never
// crosses the API boundary.
type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Username == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, "username and email are required")
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	hash, err := auth.HashPassword(req.Password, a.bcryptCost)
	if err != nil {
		a.logger.Error("hashing password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	user := &store.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			writeError(w, http.StatusConflict, "username or email already taken")
			return
		}
		a.logger.Error("creating user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	token, err := a.verifier.Generate(user.ID, user.Username)
	if err != nil {
		a.logger.Error("generating token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserResponse(user)})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := a.store.GetUserByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		a.logger.Error("looking up user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !auth.CheckPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := a.verifier.Generate(user.ID, user.Username)
	if err != nil {
		a.logger.Error("generating token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, User: toUserResponse(user)})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	user, err := a.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		a.logger.Error("looking up user", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

type chatResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *API) handleListChats(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	chats, err := a.store.ListChats(r.Context(), claims.UserID)
	if err != nil {
		a.logger.Error("listing chats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]chatResponse, 0, len(chats))
	for _, c := range chats {
		out = append(out, toChatResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type createChatRequest struct {
	Title string `json:"title"`
}

func (a *API) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req createChatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = store.DefaultChatTitle
	}

	chat, err := a.store.CreateChat(r.Context(), claims.UserID, title)
	if err != nil {
		a.logger.Error("creating chat", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, toChatResponse(chat))
}

func (a *API) handleGetChat(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	chat, err := a.store.GetChat(r.Context(), chi.URLParam(r, "chatID"), claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		a.logger.Error("loading chat", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(chat))
}

type updateChatRequest struct {
	Title string `json:"title"`
}

func (a *API) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	chat, err := a.store.UpdateChatTitle(r.Context(), chi.URLParam(r, "chatID"), claims.UserID, title)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		a.logger.Error("updating chat", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(chat))
}

func (a *API) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	deleted, err := a.store.DeleteChat(r.Context(), chatID, claims.UserID)
	if err != nil {
		a.logger.Error("deleting chat", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}

	// A deleted conversation's live session goes with it.
	a.registry.Remove(chatID)
	a.logger.Info("chat deleted", "chat_id", chatID, "user_id", claims.UserID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	if _, err := a.store.GetChat(r.Context(), chatID, claims.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		a.logger.Error("loading chat", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	messages, err := a.store.GetMessages(r.Context(), chatID)
	if err != nil {
		a.logger.Error("loading messages", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID:        m.ID,
			ChatID:    m.ChatID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Email: u.Email}
}

func toChatResponse(c *store.Chat) chatResponse {
	return chatResponse{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
