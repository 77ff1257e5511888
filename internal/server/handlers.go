package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tsugi-ai/tsugi/internal/auth"
	"github.com/tsugi-ai/tsugi/internal/engine"
	"github.com/tsugi-ai/tsugi/internal/model"
	"github.com/tsugi-ai/tsugi/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	engine              *engine.Engine
	jwtMgr              *auth.JWTManager
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	Engine              *engine.Engine
	JWTMgr              *auth.JWTManager
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		engine:              d.Engine,
		jwtMgr:              d.JWTMgr,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /v1/auth/token. Exchanges an API key for
// a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	keyID, secret, err := auth.SplitAPIKey(req.APIKey)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	user, err := h.store.GetUserByKeyID(r.Context(), keyID)
	if err != nil {
		// Burn the same argon2 cost as a real verification so the
		// response time does not reveal whether the key id exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(secret, user.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user.ID, user.Role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// createUserRequest is the admin request body for POST /v1/users.
type createUserRequest struct {
	Role string `json:"role,omitempty"`
}

// createUserResponse returns the generated API key exactly once. Only the
// hash is stored.
type createUserResponse struct {
	User   storage.User `json:"user"`
	APIKey string       `json:"api_key"`
}

// HandleCreateUser handles POST /v1/users (admin-only).
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	role := req.Role
	if role == "" {
		role = storage.RoleUser
	}
	if role != storage.RoleUser && role != storage.RoleAdmin {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("unknown role %q", role))
		return
	}

	key, keyID, err := auth.GenerateAPIKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	_, secret, err := auth.SplitAPIKey(key)
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(secret)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	user := storage.User{
		ID:        uuid.New().String(),
		KeyID:     keyID,
		KeyHash:   hash,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		h.writeInternalError(w, r, "failed to create user", err)
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "role", user.Role)
	writeJSON(w, r, http.StatusCreated, createUserResponse{User: user, APIKey: key})
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
	Uptime  int64  `json:"uptime_seconds"`
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	// A cheap read doubles as a connectivity probe.
	if _, err := h.store.ListRunsByStatus(r.Context(), model.RunStatusQueued, 1); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, healthResponse{
		Status:  status,
		Version: h.version,
		Store:   storeStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// SeedAdmin registers the configured admin API key as an admin user if
// its key id is not present yet. Safe to call on every startup.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		h.logger.Info("no admin API key configured, skipping admin seed")
		return nil
	}

	keyID, secret, err := auth.SplitAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	if _, err := h.store.GetUserByKeyID(ctx, keyID); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: lookup key: %w", err)
	}

	hash, err := auth.HashAPIKey(secret)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	user := storage.User{
		ID:        uuid.New().String(),
		KeyID:     keyID,
		KeyHash:   hash,
		Role:      storage.RoleAdmin,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("admin user seeded", "user_id", user.ID, "key_id", keyID)
	return nil
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// decodeJSON decodes a JSON request body into the target struct,
// enforcing the configured body size limit.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// handleDecodeError maps request body decode failures to API errors.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
}
