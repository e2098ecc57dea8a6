package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/admarket/admarket/internal/auth"
	"github.com/admarket/admarket/internal/guard"
	"github.com/admarket/admarket/internal/observability"
	"github.com/admarket/admarket/internal/platform/httpx"
	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/shared"
	"github.com/admarket/admarket/internal/testmode"
	"github.com/admarket/admarket/internal/users"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	SessionManager  *shared.SessionManager
	CSRFManager     *shared.CSRFManager
	AuthHandler     *auth.Handler
	RolesHandler    *roles.Handler
	UsersHandler    *users.Handler
	TestModeHandler *testmode.Handler
	Guard           *guard.Guard
	Resolver        *roles.Resolver
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(ar chi.Router) {
			params.AuthHandler.MountRoutes(ar)
			ar.Get("/csrf", func(w http.ResponseWriter, r *http.Request) {
				sess := shared.SessionFromContext(r.Context())
				token, err := params.CSRFManager.EnsureToken(r.Context(), sess)
				if err != nil {
					httpx.RespondError(w, httpx.ErrUnauthorized)
					return
				}
				httpx.JSON(w, http.StatusOK, map[string]string{"csrfToken": token})
			})
		})
		api.Route("/roles", params.RolesHandler.MountRoutes)
		api.Route("/users", params.UsersHandler.MountRoutes)
		api.Route("/test-mode", params.TestModeHandler.MountRoutes)
	})

	r.Route("/dashboard", func(dr chi.Router) {
		dr.Use(params.Guard.Middleware)
		dr.Get("/", landingHandler(params))
		for _, section := range []string{"admin", "publisher", "advertiser", "stakeholder", "developer"} {
			section := section
			dr.Get("/"+section, sectionHandler(section))
			dr.Get("/"+section+"/*", sectionHandler(section))
		}
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

// landingHandler serves the default landing view. Redirected users end up
// here, so it must answer for every authentication state.
func landingHandler(params RouterParams) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil || sess.User() == "" {
			httpx.JSON(w, http.StatusOK, map[string]any{
				"authenticated": false,
			})
			return
		}
		userID, err := strconv.ParseInt(strings.TrimSpace(sess.User()), 10, 64)
		if err != nil {
			httpx.JSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		resolution, err := params.Resolver.Resolve(r.Context(), userID)
		if err != nil {
			params.Logger.Error("landing resolve", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		available := make([]string, len(resolution.AvailableRoles))
		for i, role := range resolution.AvailableRoles {
			available[i] = string(role)
		}
		httpx.JSON(w, http.StatusOK, map[string]any{
			"authenticated":  true,
			"currentRole":    string(resolution.CurrentRole),
			"availableRoles": available,
			"isTestMode":     resolution.TestMode,
		})
	}
}

func sectionHandler(section string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"section": section})
	}
}
