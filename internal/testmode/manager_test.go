package testmode

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/admarket/admarket/internal/events"
	"github.com/admarket/admarket/internal/roles"
)

func newTestManager(t *testing.T, production bool) (*Manager, *events.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := events.NewBus()
	return NewManager(client, roles.NewRegistry(), bus, production, 24*time.Hour), bus
}

func TestEnableDefaults(t *testing.T) {
	m, _ := newTestManager(t, false)

	session, err := m.Enable(context.Background(), 1, EnableParams{Duration: time.Minute})
	require.NoError(t, err)
	require.True(t, session.Active)
	require.Equal(t, roles.RoleViewer, session.InitialRole)
	require.Empty(t, session.GrantedRoles)

	active, err := m.IsActive(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, active)
}

func TestEnableAllRoles(t *testing.T) {
	m, _ := newTestManager(t, false)

	session, err := m.Enable(context.Background(), 1, EnableParams{
		Duration: time.Minute,
		AllRoles: true,
	})
	require.NoError(t, err)
	require.Equal(t, roles.NewRegistry().All(), session.GrantedRoles)

	granted, active, err := m.ActiveRoles(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, active)
	require.Contains(t, granted, roles.RoleAdmin)
	require.Contains(t, granted, roles.RoleDeveloper)
}

func TestEnableNormalizesRoles(t *testing.T) {
	m, _ := newTestManager(t, false)

	session, err := m.Enable(context.Background(), 1, EnableParams{
		Duration:    time.Minute,
		InitialRole: " User ",
		Roles:       []string{"Publisher", "user"},
	})
	require.NoError(t, err)
	require.Equal(t, roles.RoleViewer, session.InitialRole)
	require.Equal(t, []roles.Role{roles.RolePublisher, roles.RoleViewer}, session.GrantedRoles)
}

func TestEnableRejectsUnknownRole(t *testing.T) {
	m, _ := newTestManager(t, false)

	_, err := m.Enable(context.Background(), 1, EnableParams{
		Duration: time.Minute,
		Roles:    []string{"root"},
	})
	require.ErrorIs(t, err, roles.ErrInvalidRole)
}

func TestEnableProductionGate(t *testing.T) {
	m, _ := newTestManager(t, true)

	_, err := m.Enable(context.Background(), 1, EnableParams{Duration: time.Minute, AllRoles: true})
	require.ErrorIs(t, err, ErrProductionDisabled)

	active, err := m.IsActive(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, active)
}

func TestEnableDurationBounds(t *testing.T) {
	m, _ := newTestManager(t, false)

	_, err := m.Enable(context.Background(), 1, EnableParams{Duration: 0})
	require.ErrorIs(t, err, ErrInvalidDuration)

	_, err = m.Enable(context.Background(), 1, EnableParams{Duration: -time.Second})
	require.ErrorIs(t, err, ErrInvalidDuration)

	_, err = m.Enable(context.Background(), 1, EnableParams{Duration: 25 * time.Hour})
	require.ErrorIs(t, err, ErrInvalidDuration)
}

// A 60-second session must report absent 61 seconds later even though the
// blob still sits in redis: expiry is lazy, evaluated at read time.
func TestLazyExpiry(t *testing.T) {
	m, _ := newTestManager(t, false)
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Enable(context.Background(), 1, EnableParams{Duration: 60 * time.Second, AllRoles: true})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(59 * time.Second) }
	active, err := m.IsActive(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, active)

	m.now = func() time.Time { return base.Add(61 * time.Second) }
	active, err = m.IsActive(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, active)

	_, active, err = m.ActiveRoles(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, active)
}

func TestTimeRemaining(t *testing.T) {
	m, _ := newTestManager(t, false)
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Enable(context.Background(), 1, EnableParams{Duration: time.Minute})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(20 * time.Second) }
	remaining, active, err := m.TimeRemaining(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, 40*time.Second, remaining)

	_, active, err = m.TimeRemaining(context.Background(), 2)
	require.NoError(t, err)
	require.False(t, active)
}

func TestDisableIdempotent(t *testing.T) {
	m, bus := newTestManager(t, false)

	var deactivations int
	bus.Subscribe(events.TopicTestModeDeactivated, func(string, any) { deactivations++ })

	_, err := m.Enable(context.Background(), 1, EnableParams{Duration: time.Minute})
	require.NoError(t, err)

	require.NoError(t, m.Disable(context.Background(), 1))
	active, err := m.IsActive(context.Background(), 1)
	require.NoError(t, err)
	require.False(t, active)

	// Disabling an absent session still succeeds and still announces.
	require.NoError(t, m.Disable(context.Background(), 1))
	require.Equal(t, 2, deactivations)
}

func TestEnablePublishesActivation(t *testing.T) {
	m, bus := newTestManager(t, false)

	var payloads []events.TestModeChanged
	bus.Subscribe(events.TopicTestModeActivated, func(_ string, payload any) {
		payloads = append(payloads, payload.(events.TestModeChanged))
	})

	session, err := m.Enable(context.Background(), 1, EnableParams{Duration: time.Minute})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	require.Equal(t, int64(1), payloads[0].UserID)
	require.True(t, payloads[0].Active)
	require.Equal(t, session.ExpiresAt, payloads[0].ExpiresAt)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	m, _ := newTestManager(t, false)
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Enable(context.Background(), 1, EnableParams{Duration: 30 * time.Second})
	require.NoError(t, err)
	_, err = m.Enable(context.Background(), 2, EnableParams{Duration: time.Hour})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Minute) }
	removed, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	active, err := m.IsActive(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, active)
}
