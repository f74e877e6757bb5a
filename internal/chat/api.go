package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"realtime-gateway/internal/relationship"
	"realtime-gateway/internal/security"
	"realtime-gateway/internal/token"
)

const maxBodyBytes = 64 * 1024

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string, maxAge time.Duration) (string, error)
}

// Relationships is the relationship graph as seen by the HTTP API.
type Relationships interface {
	RequestFriend(ctx context.Context, requester, recipient string) error
	Block(ctx context.Context, requester, recipient string) error
	Remove(ctx context.Context, requester, recipient string) error
	Edges(user string) []relationship.Edge
}

// API exposes the chat service over JSON HTTP.
type API struct {
	service       *Service
	relationships Relationships
	verifier      TokenVerifier
	tokenMaxAge   time.Duration
	logger        *zap.Logger
}

// NewAPI creates the HTTP API.
func NewAPI(service *Service, relationships Relationships, verifier TokenVerifier, tokenMaxAge time.Duration, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       service,
		relationships: relationships,
		verifier:      verifier,
		tokenMaxAge:   tokenMaxAge,
		logger:        logger,
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/accounts", a.handleCreateAccount)
	mux.HandleFunc("POST /api/v1/rooms", a.authenticated(a.handleCreateRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", a.authenticated(a.handleGetRoom))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/links", a.authenticated(a.handleCreateLink))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/messages", a.authenticated(a.handlePostMessage))
	mux.HandleFunc("GET /api/v1/messages/{message_id}", a.authenticated(a.handleGetMessage))
	mux.HandleFunc("POST /api/v1/links/{link_id}/join", a.authenticated(a.handleJoinLink))
	mux.HandleFunc("GET /api/v1/relationships", a.authenticated(a.handleListRelationships))
	mux.HandleFunc("PUT /api/v1/relationships/{user_id}", a.authenticated(a.handlePutRelationship))
	mux.HandleFunc("DELETE /api/v1/relationships/{user_id}", a.authenticated(a.handleDeleteRelationship))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (a *API) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := a.verifier.Verify(raw, a.tokenMaxAge)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

type createAccountRequest struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := a.service.CreateAccount(r.Context(), req.Username, req.Name, req.Email)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) handleCreateRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRoomRequest
	if !decode(w, r, &req) {
		return
	}
	room, err := a.service.CreateRoom(r.Context(), userID, req.Name, req.Description)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (a *API) handleGetRoom(w http.ResponseWriter, r *http.Request, userID string) {
	room, err := a.service.GetRoom(r.Context(), r.PathValue("room_id"), userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type createLinkRequest struct {
	// MaxAge is in seconds. Omitted means one day; zero never expires.
	MaxAge  *int64 `json:"max_age"`
	MaxUses int    `json:"max_uses"`
}

func (a *API) handleCreateLink(w http.ResponseWriter, r *http.Request, userID string) {
	var req createLinkRequest
	if !decode(w, r, &req) {
		return
	}
	maxAge := security.DefaultLinkMaxAge
	if req.MaxAge != nil {
		maxAge = time.Duration(*req.MaxAge) * time.Second
	}
	link, err := a.service.CreateRoomLink(r.Context(), r.PathValue("room_id"), userID, maxAge, req.MaxUses)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (a *API) handleJoinLink(w http.ResponseWriter, r *http.Request, userID string) {
	room, err := a.service.JoinRoomByLink(r.Context(), r.PathValue("link_id"), userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (a *API) handlePostMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req postMessageRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := a.service.PostMessage(r.Context(), r.PathValue("room_id"), userID, req.Content)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request, userID string) {
	msg, err := a.service.GetMessage(r.Context(), r.PathValue("message_id"), userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) handleListRelationships(w http.ResponseWriter, _ *http.Request, userID string) {
	edges := a.relationships.Edges(userID)
	if edges == nil {
		edges = []relationship.Edge{}
	}
	writeJSON(w, http.StatusOK, edges)
}

type putRelationshipRequest struct {
	Type relationship.Type `json:"type"`
}

func (a *API) handlePutRelationship(w http.ResponseWriter, r *http.Request, userID string) {
	var req putRelationshipRequest
	if !decode(w, r, &req) {
		return
	}

	var err error
	switch req.Type {
	case relationship.Friend:
		err = a.relationships.RequestFriend(r.Context(), userID, r.PathValue("user_id"))
	case relationship.Block:
		err = a.relationships.Block(r.Context(), userID, r.PathValue("user_id"))
	default:
		writeError(w, http.StatusBadRequest, "unknown relationship type")
		return
	}
	if err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteRelationship(w http.ResponseWriter, r *http.Request, userID string) {
	if err := a.relationships.Remove(r.Context(), userID, r.PathValue("user_id")); err != nil {
		a.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, security.ErrInvalidInput), errors.Is(err, relationship.ErrSelf):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relationship.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownUser), errors.Is(err, relationship.ErrUnknownUser):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrAlreadyMember), errors.Is(err, relationship.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrLinksExhausted), errors.Is(err, token.ErrResourceExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
