package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/admarket/admarket/internal/events"
)

// Cache memoizes resolved role sets for the read path. It keeps the
// role-switcher responsive without a store round trip; it is never
// consulted for an authorization decision. Any role or test-mode event
// invalidates the affected user eagerly, and a stale entry is discarded
// on read regardless.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	now    func() time.Time
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, now: time.Now}
}

type cachedResolution struct {
	CurrentRole    string    `json:"current_role"`
	AvailableRoles []string  `json:"available_roles"`
	TestMode       bool      `json:"test_mode"`
	HasAdminGrant  bool      `json:"has_admin_grant"`
	CachedAt       time.Time `json:"cached_at"`
}

// Resolution returns the cached resolution for userID when fresh,
// otherwise loads through loader (collapsing concurrent loads for the
// same user) and repopulates.
func (c *Cache) Resolution(ctx context.Context, userID int64, loader func(context.Context) (Resolution, error)) (Resolution, error) {
	if c == nil || c.client == nil {
		return loader(ctx)
	}

	if cached, ok := c.read(ctx, userID); ok {
		return cached, nil
	}

	value, err, _ := c.group.Do(c.key(userID), func() (any, error) {
		// Re-check under the flight: another caller may have populated.
		if cached, ok := c.read(ctx, userID); ok {
			return cached, nil
		}
		resolution, err := loader(ctx)
		if err != nil {
			return Resolution{}, err
		}
		c.write(ctx, userID, resolution)
		return resolution, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return value.(Resolution), nil
}

// Invalidate drops the cached entry for userID.
func (c *Cache) Invalidate(ctx context.Context, userID int64) {
	if c == nil || c.client == nil {
		return
	}
	_ = c.client.Del(ctx, c.key(userID)).Err()
}

// BindBus invalidates eagerly on every role:* and testmode:* event,
// including raw payloads relayed from other processes.
func (c *Cache) BindBus(ctx context.Context, bus *events.Bus) {
	invalidate := func(_ string, payload any) {
		if id, ok := payloadUserID(payload); ok {
			c.Invalidate(ctx, id)
		}
	}
	bus.Subscribe(events.TopicRoleChanged, invalidate)
	bus.Subscribe(events.TopicRolesUpdated, invalidate)
	bus.Subscribe(events.TopicTestModeActivated, invalidate)
	bus.Subscribe(events.TopicTestModeDeactivated, invalidate)
}

func (c *Cache) read(ctx context.Context, userID int64) (Resolution, bool) {
	raw, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		return Resolution{}, false
	}
	var stored cachedResolution
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Resolution{}, false
	}
	if c.now().Sub(stored.CachedAt) >= c.ttl {
		return Resolution{}, false
	}
	resolution := Resolution{
		CurrentRole:   Role(stored.CurrentRole),
		TestMode:      stored.TestMode,
		HasAdminGrant: stored.HasAdminGrant,
	}
	resolution.AvailableRoles = make([]Role, len(stored.AvailableRoles))
	for i, role := range stored.AvailableRoles {
		resolution.AvailableRoles[i] = Role(role)
	}
	return resolution, true
}

func (c *Cache) write(ctx context.Context, userID int64, resolution Resolution) {
	stored := cachedResolution{
		CurrentRole:    string(resolution.CurrentRole),
		AvailableRoles: roleStrings(resolution.AvailableRoles),
		TestMode:       resolution.TestMode,
		HasAdminGrant:  resolution.HasAdminGrant,
		CachedAt:       c.now().UTC(),
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(userID), raw, c.ttl).Err()
}

func (c *Cache) key(userID int64) string {
	return fmt.Sprintf("roles:resolution:%d", userID)
}

func payloadUserID(payload any) (int64, bool) {
	switch p := payload.(type) {
	case events.RoleChanged:
		return p.UserID, true
	case events.RolesUpdated:
		return p.UserID, true
	case events.TestModeChanged:
		return p.UserID, true
	case json.RawMessage:
		var envelope struct {
			UserID int64 `json:"user_id"`
		}
		if err := json.Unmarshal(p, &envelope); err != nil || envelope.UserID == 0 {
			return 0, false
		}
		return envelope.UserID, true
	default:
		return 0, false
	}
}
