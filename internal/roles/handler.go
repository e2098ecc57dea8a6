package roles

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/admarket/admarket/internal/platform/httpx"
	"github.com/admarket/admarket/internal/shared"
)

// Handler wires the role API endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	cache     *Cache
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, cache *Cache) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		cache:     cache,
		validator: validator.New(),
	}
}

// MountRoutes registers role routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.getRoles)
	r.Post("/change", h.changeRole)
	r.Post("/grant", h.grantRole)
	r.Post("/revoke", h.revokeRole)
	r.Post("/reconcile", h.reconcile)
	r.Get("/changes", h.listChanges)
}

type rolesResponse struct {
	CurrentRole    string   `json:"currentRole"`
	AvailableRoles []string `json:"availableRoles"`
	IsTestMode     bool     `json:"isTestMode"`
}

type changeRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

type grantRequest struct {
	UserID int64  `json:"userId" validate:"required,gt=0"`
	Role   string `json:"role" validate:"required"`
}

// reconcileRequest targets one user, or every user when userId is
// omitted (the all-user pass runs on the background worker).
type reconcileRequest struct {
	UserID int64 `json:"userId" validate:"gte=0"`
}

type changeEventResponse struct {
	From           string   `json:"from"`
	To             string   `json:"to"`
	AvailableRoles []string `json:"availableRoles"`
	At             string   `json:"at"`
}

func (h *Handler) getRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	// The cache serves only this read path; authorization decisions
	// elsewhere go straight through the resolver.
	resolution, err := h.cache.Resolution(r.Context(), userID, func(ctx context.Context) (Resolution, error) {
		return h.service.Resolve(ctx, userID)
	})
	if err != nil {
		h.respondError(w, "get roles", userID, err)
		return
	}

	refreshSessionHints(r, resolution)
	httpx.JSON(w, http.StatusOK, rolesResponse{
		CurrentRole:    string(resolution.CurrentRole),
		AvailableRoles: roleStrings(resolution.AvailableRoles),
		IsTestMode:     resolution.TestMode,
	})
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var req changeRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role is required")
		return
	}

	event, err := h.service.ChangeRole(r.Context(), userID, req.Role)
	if err != nil {
		h.respondError(w, "change role", userID, err)
		return
	}

	resolution, err := h.service.Resolve(r.Context(), userID)
	if err != nil {
		h.respondError(w, "resolve after change", userID, err)
		return
	}
	refreshSessionHints(r, resolution)

	httpx.JSON(w, http.StatusOK, rolesResponse{
		CurrentRole:    string(event.To),
		AvailableRoles: roleStrings(resolution.AvailableRoles),
		IsTestMode:     resolution.TestMode,
	})
}

func (h *Handler) grantRole(w http.ResponseWriter, r *http.Request) {
	actorID, ok := currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "userId and role are required")
		return
	}

	if err := h.service.Grant(r.Context(), actorID, req.UserID, req.Role); err != nil {
		h.respondError(w, "grant role", req.UserID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	actorID, ok := currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "userId and role are required")
		return
	}

	if err := h.service.Revoke(r.Context(), actorID, req.UserID, req.Role); err != nil {
		h.respondError(w, "revoke role", req.UserID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	actorID, ok := currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	var req reconcileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "userId must not be negative")
		return
	}

	if req.UserID == 0 {
		if err := h.service.ReconcileAll(r.Context(), actorID); err != nil {
			h.respondError(w, "reconcile all", actorID, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	if err := h.service.Reconcile(r.Context(), actorID, req.UserID); err != nil {
		h.respondError(w, "reconcile", req.UserID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func (h *Handler) listChanges(w http.ResponseWriter, r *http.Request) {
	actorID, ok := currentUserID(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}

	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "userId query parameter is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	changes, err := h.service.Changes(r.Context(), actorID, userID, limit)
	if err != nil {
		h.respondError(w, "list changes", userID, err)
		return
	}

	out := make([]changeEventResponse, len(changes))
	for i, ev := range changes {
		out[i] = changeEventResponse{
			From:           string(ev.From),
			To:             string(ev.To),
			AvailableRoles: roleStrings(ev.AvailableRoles),
			At:             ev.At.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, userID int64, err error) {
	switch {
	case errors.Is(err, ErrInvalidRole):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Role", err.Error())
	case errors.Is(err, ErrViewerRevoked):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, ErrRoleNotAvailable), errors.Is(err, ErrAdminRequired):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUserNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrReconcileQueueUnavailable):
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error(op, slog.Int64("user", userID), slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// currentUserID pulls the authenticated user from the request session.
func currentUserID(r *http.Request) (int64, bool) {
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

// refreshSessionHints writes the role and test-mode hints the route guard
// reads on navigation. Hints only: privileged paths re-validate.
func refreshSessionHints(r *http.Request, resolution Resolution) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return
	}
	sess.SetRoleHint(string(resolution.CurrentRole))
	sess.SetTestModeHint(resolution.TestMode)
}
