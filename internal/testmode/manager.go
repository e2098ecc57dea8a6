package testmode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/admarket/admarket/internal/events"
	"github.com/admarket/admarket/internal/roles"
)

var (
	// ErrProductionDisabled is returned when test mode is requested in a
	// production environment. The gate lives here, server-side; a client
	// cannot argue its way past it.
	ErrProductionDisabled = errors.New("testmode: disabled in production")
	// ErrInvalidDuration rejects non-positive or excessive durations.
	ErrInvalidDuration = errors.New("testmode: invalid duration")
)

// storageBackstop caps how long an expired blob may linger before the
// hygiene sweep removes it. Correctness never depends on it.
const storageBackstop = 7 * 24 * time.Hour

// Manager owns the lifecycle of test-mode sessions. Expiry is evaluated
// lazily at read time; no background timer is involved.
type Manager struct {
	client      *redis.Client
	registry    *roles.Registry
	bus         *events.Bus
	production  bool
	maxDuration time.Duration
	now         func() time.Time
}

// NewManager constructs a Manager. production must come from server
// configuration, never from request data.
func NewManager(client *redis.Client, registry *roles.Registry, bus *events.Bus, production bool, maxDuration time.Duration) *Manager {
	return &Manager{
		client:      client,
		registry:    registry,
		bus:         bus,
		production:  production,
		maxDuration: maxDuration,
		now:         time.Now,
	}
}

// EnableParams collects the caller's request for an override session.
type EnableParams struct {
	Duration       time.Duration
	InitialRole    string
	AllRoles       bool
	Roles          []string
	BypassAPICalls bool
}

// Enable creates (or replaces) the override session for a user and
// announces it. Fails in production regardless of caller intent.
func (m *Manager) Enable(ctx context.Context, userID int64, params EnableParams) (Session, error) {
	if m.production {
		return Session{}, ErrProductionDisabled
	}
	if params.Duration <= 0 || (m.maxDuration > 0 && params.Duration > m.maxDuration) {
		return Session{}, fmt.Errorf("%w: %s", ErrInvalidDuration, params.Duration)
	}

	initial := roles.RoleViewer
	if params.InitialRole != "" {
		role, err := m.registry.Normalize(params.InitialRole)
		if err != nil {
			return Session{}, err
		}
		initial = role
	}

	var granted []roles.Role
	if params.AllRoles {
		granted = m.registry.All()
	} else {
		for _, raw := range params.Roles {
			role, err := m.registry.Normalize(raw)
			if err != nil {
				return Session{}, err
			}
			granted = append(granted, role)
		}
	}

	now := m.now().UTC()
	session := Session{
		UserID:         userID,
		Active:         true,
		ExpiresAt:      now.Add(params.Duration),
		InitialRole:    initial,
		BypassAPICalls: params.BypassAPICalls,
		GrantedRoles:   granted,
		CreatedAt:      now,
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return Session{}, fmt.Errorf("testmode: marshal session: %w", err)
	}
	if err := m.client.Set(ctx, m.key(userID), raw, storageBackstop).Err(); err != nil {
		return Session{}, fmt.Errorf("testmode: store session: %w", err)
	}

	m.bus.Publish(events.TopicTestModeActivated, events.TestModeChanged{
		UserID:    userID,
		Active:    true,
		ExpiresAt: session.ExpiresAt,
	})
	return session, nil
}

// Disable removes the session. Idempotent: disabling an absent session
// still succeeds and still announces, so stale caches clear.
func (m *Manager) Disable(ctx context.Context, userID int64) error {
	if err := m.client.Del(ctx, m.key(userID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("testmode: delete session: %w", err)
	}
	m.bus.Publish(events.TopicTestModeDeactivated, events.TestModeChanged{
		UserID: userID,
		Active: false,
	})
	return nil
}

// IsActive is the single authority on whether a user's override is live.
// Other components call this instead of reading the stored flag.
func (m *Manager) IsActive(ctx context.Context, userID int64) (bool, error) {
	_, active, err := m.Session(ctx, userID)
	return active, err
}

// TimeRemaining reports how long the override has left. The second return
// is false when no live session exists.
func (m *Manager) TimeRemaining(ctx context.Context, userID int64) (time.Duration, bool, error) {
	session, active, err := m.Session(ctx, userID)
	if err != nil || !active {
		return 0, false, err
	}
	return session.ExpiresAt.Sub(m.now().UTC()), true, nil
}

// Session loads the stored session with the lazy expiry check applied. An
// expired record reports absent even though the blob may still exist.
func (m *Manager) Session(ctx context.Context, userID int64) (Session, bool, error) {
	raw, err := m.client.Get(ctx, m.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("testmode: load session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, false, fmt.Errorf("testmode: decode session: %w", err)
	}
	if session.expired(m.now().UTC()) {
		return Session{}, false, nil
	}
	return session, true, nil
}

// ActiveRoles implements roles.TestModeSource.
func (m *Manager) ActiveRoles(ctx context.Context, userID int64) ([]roles.Role, bool, error) {
	session, active, err := m.Session(ctx, userID)
	if err != nil || !active {
		return nil, false, err
	}
	return session.GrantedRoles, true, nil
}

// Sweep deletes expired session blobs. Pure storage hygiene: resolution
// is already correct without it.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	var removed int
	iter := m.client.Scan(ctx, 0, "testmode:session:*", 100).Iterator()
	now := m.now().UTC()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := m.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var session Session
		if err := json.Unmarshal(raw, &session); err != nil || session.expired(now) {
			if err := m.client.Del(ctx, key).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("testmode: sweep scan: %w", err)
	}
	return removed, nil
}

func (m *Manager) key(userID int64) string {
	return fmt.Sprintf("testmode:session:%d", userID)
}

var _ roles.TestModeSource = (*Manager)(nil)
