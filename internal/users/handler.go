package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/admarket/admarket/internal/platform/httpx"
	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/shared"
)

// Handler wires user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers user routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
}

type userResponse struct {
	ID           int64    `json:"id"`
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	IsActive     bool     `json:"isActive"`
	CurrentRole  string   `json:"currentRole"`
	Capabilities []string `json:"capabilities"`
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFromSession(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	list, err := h.service.ListUsers(r.Context(), actorID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]userResponse, len(list))
	for i, u := range list {
		out[i] = toResponse(u)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFromSession(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	user, err := h.service.GetUser(r.Context(), actorID, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(*user))
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actorID, ok := actorFromSession(r)
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "email, name and password (min 8) are required")
		return
	}
	user, err := h.service.CreateUser(r.Context(), actorID, req.Email, req.Name, req.Password)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(*user))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, roles.ErrAdminRequired):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrDuplicateEmail):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, roles.ErrUserNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "user not found")
	default:
		if h.logger != nil {
			h.logger.Error("users handler", slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func toResponse(u User) userResponse {
	caps := make([]string, 0, 6)
	for _, c := range []struct {
		on   bool
		name string
	}{
		{u.CanViewer, string(roles.RoleViewer)},
		{u.CanAdvertiser, string(roles.RoleAdvertiser)},
		{u.CanPublisher, string(roles.RolePublisher)},
		{u.CanAdmin, string(roles.RoleAdmin)},
		{u.CanStakeholder, string(roles.RoleStakeholder)},
		{u.CanDeveloper, string(roles.RoleDeveloper)},
	} {
		if c.on {
			caps = append(caps, c.name)
		}
	}
	return userResponse{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		IsActive:     u.IsActive,
		CurrentRole:  u.CurrentRole,
		Capabilities: caps,
	}
}

func actorFromSession(r *http.Request) (int64, bool) {
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
