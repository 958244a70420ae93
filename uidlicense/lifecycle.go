package uidlicense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense/store"
)

// Reconcile decides lazy expiry for b at now. An ACTIVE binding whose expiry
// date has passed comes back EXPIRED with changed set; every other binding
// is returned untouched. PAUSED and BANNED bindings are never auto-expired.
func Reconcile(b Binding, now time.Time) (Binding, bool) {
	if b.Status != BindingActive || b.ExpireDate == nil || !b.ExpireDate.Before(now) {
		return b, false
	}
	b.Status = BindingExpired
	b.UpdatedAt = now
	return b, true
}

// ListBindings returns the bindings matching filter with lazy expiry applied.
// Bindings that expired since the last read are persisted as EXPIRED before
// they are returned.
func (m *Manager) ListBindings(ctx context.Context, filter BindingFilter) ([]Binding, error) {
	list, err := m.store.ListBindings(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	now := m.now()
	out := make([]Binding, 0, len(list))
	for _, b := range list {
		rb, ok, err := m.reconcile(ctx, b, now)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rb)
		}
	}
	return out, nil
}

// GetBinding returns one binding with lazy expiry applied.
func (m *Manager) GetBinding(ctx context.Context, bindingID string) (*Binding, error) {
	b, err := m.store.GetBinding(ctx, bindingID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrBindingNotFound, bindingID)
		}
		return nil, fmt.Errorf("get binding: %w", err)
	}
	rb, ok, err := m.reconcile(ctx, *b, m.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBindingNotFound, bindingID)
	}
	return &rb, nil
}

// reconcile applies Reconcile to b and persists the transition. When the
// conditional update loses to a concurrent change the stored record is
// re-read; ok is false if the binding no longer exists.
func (m *Manager) reconcile(ctx context.Context, b Binding, now time.Time) (Binding, bool, error) {
	updated, changed := Reconcile(b, now)
	if !changed {
		return b, true, nil
	}
	applied, err := m.store.ExpireBinding(ctx, b.ID, now)
	if err != nil {
		return b, false, fmt.Errorf("expire binding %s: %w", b.ID, err)
	}
	if applied {
		m.logger.InfoContext(ctx, "binding expired",
			slog.String("binding_id", b.ID),
			slog.String("game_uid", b.GameUID),
		)
		return updated, true, nil
	}

	cur, err := m.store.GetBinding(ctx, b.ID)
	if errors.Is(err, store.ErrNotFound) {
		return b, false, nil
	}
	if err != nil {
		return b, false, fmt.Errorf("get binding: %w", err)
	}
	return *cur, true, nil
}
