package testmode

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/admarket/admarket/internal/platform/httpx"
	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/shared"
)

// Handler wires the test-mode API endpoints.
type Handler struct {
	logger    *slog.Logger
	manager   *Manager
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, manager *Manager) *Handler {
	return &Handler{
		logger:    logger,
		manager:   manager,
		validator: validator.New(),
	}
}

// MountRoutes registers test-mode routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/enable", h.enable)
	r.Post("/disable", h.disable)
	r.Get("/status", h.status)
}

type enableRequest struct {
	DurationSeconds int      `json:"durationSeconds" validate:"required,gt=0"`
	InitialRole     string   `json:"initialRole"`
	AllRoles        bool     `json:"allRoles"`
	Roles           []string `json:"roles"`
	BypassAPICalls  bool     `json:"bypassApiCalls"`
}

type sessionResponse struct {
	Active         bool     `json:"active"`
	ExpiresAt      string   `json:"expiresAt"`
	InitialRole    string   `json:"initialRole"`
	GrantedRoles   []string `json:"grantedRoles"`
	BypassAPICalls bool     `json:"bypassApiCalls"`
}

type statusResponse struct {
	Active           bool   `json:"active"`
	ExpiresAt        string `json:"expiresAt,omitempty"`
	RemainingSeconds int64  `json:"remainingSeconds,omitempty"`
}

func (h *Handler) enable(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var req enableRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "durationSeconds must be positive")
		return
	}

	session, err := h.manager.Enable(r.Context(), userID, EnableParams{
		Duration:       time.Duration(req.DurationSeconds) * time.Second,
		InitialRole:    req.InitialRole,
		AllRoles:       req.AllRoles,
		Roles:          req.Roles,
		BypassAPICalls: req.BypassAPICalls,
	})
	if err != nil {
		h.respondError(w, userID, err)
		return
	}

	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetTestModeHint(true)
		sess.SetRoleHint(string(session.InitialRole))
	}

	httpx.JSON(w, http.StatusOK, sessionResponse{
		Active:         session.Active,
		ExpiresAt:      session.ExpiresAt.UTC().Format(time.RFC3339),
		InitialRole:    string(session.InitialRole),
		GrantedRoles:   roleNames(session.GrantedRoles),
		BypassAPICalls: session.BypassAPICalls,
	})
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	if err := h.manager.Disable(r.Context(), userID); err != nil {
		h.respondError(w, userID, err)
		return
	}

	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.SetTestModeHint(false)
	}

	httpx.JSON(w, http.StatusOK, map[string]any{})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	remaining, active, err := h.manager.TimeRemaining(r.Context(), userID)
	if err != nil {
		h.respondError(w, userID, err)
		return
	}
	if !active {
		httpx.JSON(w, http.StatusOK, statusResponse{Active: false})
		return
	}
	session, _, err := h.manager.Session(r.Context(), userID)
	if err != nil {
		h.respondError(w, userID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, statusResponse{
		Active:           true,
		ExpiresAt:        session.ExpiresAt.UTC().Format(time.RFC3339),
		RemainingSeconds: int64(remaining / time.Second),
	})
}

func (h *Handler) respondError(w http.ResponseWriter, userID int64, err error) {
	switch {
	case errors.Is(err, ErrProductionDisabled):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrInvalidDuration), errors.Is(err, roles.ErrInvalidRole):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("test mode", slog.Int64("user", userID), slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func sessionUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func roleNames(list []roles.Role) []string {
	out := make([]string, len(list))
	for i, role := range list {
		out[i] = string(role)
	}
	return out
}
