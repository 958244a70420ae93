package uidlicense

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *store.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.NewMemory()
	m := NewManager(st, append([]ManagerOption{WithClock(clock.Now)}, opts...)...)
	return m, st, clock
}

func seedLicense(t *testing.T, st store.Store, key string, mutate func(*License)) *License {
	t.Helper()
	l := License{
		LicenseKey:  key,
		LicenseType: LicenseStandard,
		ExpireDate:  time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxUsage:    2,
		MaxUsers:    DefaultMaxUsers,
		Status:      LicenseActive,
	}
	if mutate != nil {
		mutate(&l)
	}
	created, err := st.CreateLicense(context.Background(), l)
	require.NoError(t, err)
	return created
}

func usedCount(t *testing.T, st store.Store, key string) int {
	t.Helper()
	l, err := st.GetLicenseByKey(context.Background(), key)
	require.NoError(t, err)
	return l.UsedCount
}

func TestActivate_CapacityScenario(t *testing.T) {
	ctx := context.Background()
	m, st, clock := newTestManager(t)
	seedLicense(t, st, "L1", nil)

	first, err := m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	require.NoError(t, err)
	assert.Equal(t, BindingActive, first.Status)
	assert.Equal(t, clock.Now(), first.ActivatedAt)
	require.NotNil(t, first.ExpireDate)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour), *first.ExpireDate)
	assert.Equal(t, 1, usedCount(t, st, "L1"))

	_, err = m.Activate(ctx, ActivateRequest{GameUID: "XYZ789", LicenseKey: "L1"})
	require.NoError(t, err)
	assert.Equal(t, 2, usedCount(t, st, "L1"))

	_, err = m.Activate(ctx, ActivateRequest{GameUID: "QQQ000", LicenseKey: "L1"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, usedCount(t, st, "L1"))

	require.NoError(t, m.Deactivate(ctx, first.ID))
	assert.Equal(t, 1, usedCount(t, st, "L1"))

	_, err = m.Activate(ctx, ActivateRequest{GameUID: "QQQ000", LicenseKey: "L1"})
	require.NoError(t, err)
	assert.Equal(t, 2, usedCount(t, st, "L1"))
}

func TestActivate_InputValidation(t *testing.T) {
	m, st, _ := newTestManager(t)
	seedLicense(t, st, "L1", func(l *License) { l.MaxUsage = 10 })

	tests := []struct {
		name    string
		req     ActivateRequest
		wantErr error
	}{
		{"empty uid", ActivateRequest{LicenseKey: "L1"}, ErrInvalidInput},
		{"empty key", ActivateRequest{GameUID: "ABC123"}, ErrInvalidInput},
		{"uid too short", ActivateRequest{GameUID: "ABC12", LicenseKey: "L1"}, ErrInvalidInput},
		{"uid too long", ActivateRequest{GameUID: "ABCDEFGHIJKLM", LicenseKey: "L1"}, ErrInvalidInput},
		{"uid min length", ActivateRequest{GameUID: "ABCDEF", LicenseKey: "L1"}, nil},
		{"uid max length", ActivateRequest{GameUID: "ABCDEFGHIJKL", LicenseKey: "L1"}, nil},
		{"unknown license", ActivateRequest{GameUID: "ZZZ999", LicenseKey: "NOPE"}, ErrLicenseNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Activate(context.Background(), tt.req)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestActivate_LicensePreconditions(t *testing.T) {
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(*License)
		wantErr error
	}{
		{"paused", func(l *License) { l.Status = LicensePaused }, ErrLicenseInactive},
		{"used up", func(l *License) { l.Status = LicenseUsedUp }, ErrLicenseInactive},
		{"expired status", func(l *License) { l.Status = LicenseExpired }, ErrLicenseInactive},
		{"paused and past expiry", func(l *License) { l.Status = LicensePaused; l.ExpireDate = past }, ErrLicenseInactive},
		{"past expiry", func(l *License) { l.ExpireDate = past }, ErrLicenseExpired},
		{"past expiry and full", func(l *License) { l.ExpireDate = past; l.MaxUsage = 1; l.UsedCount = 1 }, ErrLicenseExpired},
		{"full", func(l *License) { l.MaxUsage = 1; l.UsedCount = 1 }, ErrCapacityExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, st, _ := newTestManager(t)
			lic := seedLicense(t, st, "L1", tt.mutate)

			_, err := m.Activate(context.Background(), ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, lic.UsedCount, usedCount(t, st, "L1"))
		})
	}
}

func TestActivate_ExpiryBoundary(t *testing.T) {
	m, st, clock := newTestManager(t)
	seedLicense(t, st, "L1", func(l *License) { l.ExpireDate = clock.Now() })

	// A license expiring exactly now is still usable.
	_, err := m.Activate(context.Background(), ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	require.NoError(t, err)

	clock.Advance(time.Nanosecond)
	_, err = m.Activate(context.Background(), ActivateRequest{GameUID: "XYZ789", LicenseKey: "L1"})
	assert.ErrorIs(t, err, ErrLicenseExpired)
}

func TestActivate_DuplicateUID(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	seedLicense(t, st, "L1", func(l *License) { l.MaxUsage = 5 })
	seedLicense(t, st, "L2", func(l *License) { l.MaxUsage = 5 })

	_, err := m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	require.NoError(t, err)

	_, err = m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	assert.ErrorIs(t, err, ErrDuplicateBinding)
	_, err = m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L2"})
	assert.ErrorIs(t, err, ErrDuplicateBinding)

	assert.Equal(t, 1, usedCount(t, st, "L1"))
	assert.Equal(t, 0, usedCount(t, st, "L2"))
}

func TestActivate_LifetimeNeverExpires(t *testing.T) {
	ctx := context.Background()
	m, st, clock := newTestManager(t)
	seedLicense(t, st, "LIFE", func(l *License) { l.LicenseType = LicenseLifetime })

	b, err := m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "LIFE", UserRef: "user-1"})
	require.NoError(t, err)
	assert.Nil(t, b.ExpireDate)
	assert.Equal(t, LicenseLifetime, b.LicenseType)
	assert.Equal(t, "user-1", b.UserRef)
	assert.Contains(t, ActivationMessage(b), "lifetime")

	clock.Advance(10 * 365 * 24 * time.Hour)
	list, err := m.ListBindings(ctx, BindingFilter{UserRef: "user-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, BindingActive, list[0].Status)
}

func TestActivate_ConcurrentCapacity(t *testing.T) {
	const (
		capacity = 5
		attempts = 20
	)
	m, st, _ := newTestManager(t)
	seedLicense(t, st, "L1", func(l *License) { l.MaxUsage = capacity })

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Activate(context.Background(), ActivateRequest{
				GameUID:    fmt.Sprintf("UID%05d", i),
				LicenseKey: "L1",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, succeeded)
	assert.Equal(t, attempts-capacity, rejected)
	assert.Equal(t, capacity, usedCount(t, st, "L1"))
}

func TestActivate_ConcurrentSameUID(t *testing.T) {
	m, st, _ := newTestManager(t)
	seedLicense(t, st, "L1", func(l *License) { l.MaxUsage = 10 })

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Activate(context.Background(), ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
			if err != nil && !errors.Is(err, ErrDuplicateBinding) {
				t.Errorf("unexpected error: %v", err)
			}
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, 1, usedCount(t, st, "L1"))
}

// rejectingStore refuses every reservation although the license looks fine.
type rejectingStore struct {
	store.Store
}

func (rejectingStore) Activate(context.Context, Binding, time.Time) (*Binding, error) {
	return nil, store.ErrNotReserved
}

func TestActivate_ReservationLostRace(t *testing.T) {
	st := store.NewMemory()
	seedLicense(t, st, "L1", nil)
	m := NewManager(rejectingStore{st}, WithClock(newFakeClock().Now))

	_, err := m.Activate(context.Background(), ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, Retryable(err))
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	seedLicense(t, st, "L1", nil)

	b, err := m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(ctx, b.ID))
	assert.Equal(t, 0, usedCount(t, st, "L1"))

	err = m.Deactivate(ctx, b.ID)
	assert.ErrorIs(t, err, ErrBindingNotFound)
	assert.Equal(t, 0, usedCount(t, st, "L1"))

	assert.ErrorIs(t, m.Deactivate(ctx, ""), ErrInvalidInput)

	// The UID is free again.
	_, err = m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	assert.NoError(t, err)
}

func TestUnbind(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestManager(t)
	seedLicense(t, st, "L1", func(l *License) { l.MaxUsage = 3 })

	paused, err := m.Activate(ctx, ActivateRequest{GameUID: "PAU001", LicenseKey: "L1"})
	require.NoError(t, err)
	banned, err := m.Activate(ctx, ActivateRequest{GameUID: "BAN001", LicenseKey: "L1"})
	require.NoError(t, err)
	active, err := m.Activate(ctx, ActivateRequest{GameUID: "ACT001", LicenseKey: "L1"})
	require.NoError(t, err)
	require.NoError(t, m.SetBindingStatus(ctx, paused.ID, BindingPaused))
	require.NoError(t, m.SetBindingStatus(ctx, banned.ID, BindingBanned))

	assert.ErrorIs(t, m.Unbind(ctx, paused.ID), ErrBindingLocked)
	assert.ErrorIs(t, m.Unbind(ctx, banned.ID), ErrBindingLocked)
	assert.Equal(t, 3, usedCount(t, st, "L1"))

	require.NoError(t, m.Unbind(ctx, active.ID))
	assert.Equal(t, 2, usedCount(t, st, "L1"))
	assert.ErrorIs(t, m.Unbind(ctx, active.ID), ErrBindingNotFound)

	// Deactivate is the administrator's unconditional removal.
	require.NoError(t, m.Deactivate(ctx, banned.ID))
	assert.Equal(t, 1, usedCount(t, st, "L1"))
}

func TestDeactivate_ExpiredBindingReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	m, st, clock := newTestManager(t)
	seedLicense(t, st, "L1", func(l *License) { l.MaxUsage = 1 })

	b, err := m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	_, err = m.ListBindings(ctx, BindingFilter{})
	require.NoError(t, err)

	// Expired bindings still hold their unit until deactivated.
	_, err = m.Activate(ctx, ActivateRequest{GameUID: "XYZ789", LicenseKey: "L1"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, m.Deactivate(ctx, b.ID))
	_, err = m.Activate(ctx, ActivateRequest{GameUID: "XYZ789", LicenseKey: "L1"})
	assert.NoError(t, err)
}

func TestLicenseExpiryMarkOnRead(t *testing.T) {
	ctx := context.Background()
	m, st, clock := newTestManager(t, WithLicenseExpiryPolicy(LicenseExpiryMarkOnRead))
	lic := seedLicense(t, st, "L1", func(l *License) { l.ExpireDate = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) })
	seedLicense(t, st, "L2", nil)

	list, err := m.ListLicenses(ctx)
	require.NoError(t, err)
	for _, l := range list {
		assert.Equal(t, LicenseActive, l.Status)
	}

	clock.Advance(60 * 24 * time.Hour)
	_, err = m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	assert.ErrorIs(t, err, ErrLicenseExpired)

	stored, err := st.GetLicense(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, LicenseExpired, stored.Status)

	list, err = m.ListLicenses(ctx)
	require.NoError(t, err)
	statuses := map[string]LicenseStatus{}
	for _, l := range list {
		statuses[l.LicenseKey] = l.Status
	}
	assert.Equal(t, LicenseExpired, statuses["L1"])
	assert.Equal(t, LicenseActive, statuses["L2"])
}

func TestLicenseExpiryBlockOnly(t *testing.T) {
	ctx := context.Background()
	m, st, clock := newTestManager(t)
	lic := seedLicense(t, st, "L1", func(l *License) { l.ExpireDate = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) })

	clock.Advance(60 * 24 * time.Hour)
	_, err := m.Activate(ctx, ActivateRequest{GameUID: "ABC123", LicenseKey: "L1"})
	assert.ErrorIs(t, err, ErrLicenseExpired)

	list, err := m.ListLicenses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, LicenseActive, list[0].Status)

	stored, err := st.GetLicense(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, LicenseActive, stored.Status)
}
