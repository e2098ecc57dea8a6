// Package guard decides, per request, whether a dashboard path may
// proceed for the requester's resolved role. Each request moves
// Unchecked -> Allowed or Unchecked -> Redirected; the guard keeps no
// state between requests and never caches its own decisions.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/admarket/admarket/internal/roles"
	"github.com/admarket/admarket/internal/shared"
)

// Rule maps a path prefix to the roles allowed through it.
type Rule struct {
	Prefix   string
	Required []roles.Role
}

// DefaultTable is the static dashboard route table. Developer routes are
// operator tooling: admin does not pass without its own developer grant.
func DefaultTable() []Rule {
	return []Rule{
		{Prefix: "/dashboard/admin", Required: []roles.Role{roles.RoleAdmin}},
		{Prefix: "/dashboard/publisher", Required: []roles.Role{roles.RolePublisher, roles.RoleAdmin}},
		{Prefix: "/dashboard/advertiser", Required: []roles.Role{roles.RoleAdvertiser, roles.RoleAdmin}},
		{Prefix: "/dashboard/stakeholder", Required: []roles.Role{roles.RoleStakeholder, roles.RoleAdmin}},
		{Prefix: "/dashboard/developer", Required: []roles.Role{roles.RoleDeveloper}},
	}
}

// Resolver is the authoritative role source consulted on every guarded
// request.
type Resolver interface {
	Resolve(ctx context.Context, userID int64) (roles.Resolution, error)
}

// TestModeChecker answers whether the requester's override session is
// live. Test mode supersedes route restrictions entirely.
type TestModeChecker interface {
	IsActive(ctx context.Context, userID int64) (bool, error)
}

const (
	// loopCookie marks the last guard redirect so a bounce to the same
	// destination within loopWindow is suppressed instead of looping.
	loopCookie = "amk_redirect_guard"
	loopWindow = 2 * time.Second
)

// Guard is the route access middleware.
type Guard struct {
	rules      []Rule
	landing    string
	resolver   Resolver
	testMode   TestModeChecker
	logger     *slog.Logger
	onDecision func(outcome string)
	now        func() time.Time
}

// Option customises a Guard.
type Option func(*Guard)

// WithDecisionObserver reports each allow/redirect outcome, used for
// metrics.
func WithDecisionObserver(fn func(outcome string)) Option {
	return func(g *Guard) { g.onDecision = fn }
}

// New constructs a Guard over the given route table. landing is where
// denied requests are sent.
func New(rules []Rule, landing string, resolver Resolver, testMode TestModeChecker, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		rules:    rules,
		landing:  landing,
		resolver: resolver,
		testMode: testMode,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Middleware runs the access check synchronously before any downstream
// handler.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, matched := g.lookup(r.URL.Path)
		if !matched {
			next.ServeHTTP(w, r)
			return
		}

		userID, ok := requesterID(r)
		if !ok {
			g.redirect(w, r, next, "unauthenticated")
			return
		}

		// Test mode supersedes route restrictions entirely. The session
		// carries a test-mode hint, but the answer comes from the
		// manager's lazy-expiry check, never the raw hint.
		active, err := g.testMode.IsActive(r.Context(), userID)
		if err != nil && g.logger != nil {
			g.logger.Warn("guard test mode check", slog.Any("error", err))
		}
		if active {
			g.decide("allowed_testmode")
			next.ServeHTTP(w, r)
			return
		}

		// A matching role hint skips the role-store lookup, but never for
		// the privileged tiers, which always re-validate.
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			if hint := roles.Role(sess.RoleHint()); hint != "" && !privileged(hint) {
				for _, role := range required {
					if hint == role {
						g.decide("allowed_hint")
						next.ServeHTTP(w, r)
						return
					}
				}
			}
		}

		resolution, err := g.resolver.Resolve(r.Context(), userID)
		if err != nil {
			if g.logger != nil {
				g.logger.Error("guard resolve", slog.Int64("user", userID), slog.Any("error", err))
			}
			g.redirect(w, r, next, "resolve_failed")
			return
		}

		for _, role := range required {
			if resolution.CurrentRole == role {
				g.decide("allowed")
				next.ServeHTTP(w, r)
				return
			}
		}
		g.redirect(w, r, next, "forbidden")
	})
}

// lookup finds the longest matching prefix rule for path.
func (g *Guard) lookup(path string) ([]roles.Role, bool) {
	var best *Rule
	for i := range g.rules {
		rule := &g.rules[i]
		if !matchesPrefix(path, rule.Prefix) {
			continue
		}
		if best == nil || len(rule.Prefix) > len(best.Prefix) {
			best = rule
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Required, true
}

func matchesPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// redirect sends the requester to the landing path unless the same
// redirect happened within the loop window, in which case the redirect is
// suppressed and the request passes through rather than bouncing forever.
func (g *Guard) redirect(w http.ResponseWriter, r *http.Request, next http.Handler, reason string) {
	if g.recentRedirect(r) {
		g.decide("loop_suppressed")
		if g.logger != nil {
			g.logger.Warn("redirect loop suppressed", slog.String("path", r.URL.Path), slog.String("reason", reason))
		}
		next.ServeHTTP(w, r)
		return
	}

	g.decide("redirected")
	http.SetCookie(w, &http.Cookie{
		Name:     loopCookie,
		Value:    fmt.Sprintf("%s|%d", g.landing, g.now().UnixMilli()),
		Path:     "/",
		MaxAge:   int(loopWindow / time.Second),
		HttpOnly: true,
	})
	http.Redirect(w, r, g.landing, http.StatusFound)
}

// recentRedirect reports whether the guard already redirected this client
// to the same destination inside the loop window.
func (g *Guard) recentRedirect(r *http.Request) bool {
	cookie, err := r.Cookie(loopCookie)
	if err != nil {
		return false
	}
	dest, rawTS, ok := strings.Cut(cookie.Value, "|")
	if !ok || dest != g.landing {
		return false
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return false
	}
	return g.now().Sub(time.UnixMilli(ts)) < loopWindow
}

func (g *Guard) decide(outcome string) {
	if g.onDecision != nil {
		g.onDecision(outcome)
	}
}

// privileged marks the tiers whose session hint is never trusted.
func privileged(role roles.Role) bool {
	return role == roles.RoleAdmin || role == roles.RoleDeveloper
}

func requesterID(r *http.Request) (int64, bool) {
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
