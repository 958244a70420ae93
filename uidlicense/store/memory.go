package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store guarded by a single mutex. It is intended
// for tests and single-instance deployments; state is lost on restart.
type Memory struct {
	mu       sync.Mutex
	licenses map[string]*License // by id
	keys     map[string]string   // license key -> id
	bindings map[string]*Binding // by id
	uids     map[string]string   // game uid -> binding id
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		licenses: make(map[string]*License),
		keys:     make(map[string]string),
		bindings: make(map[string]*Binding),
		uids:     make(map[string]string),
		now:      time.Now,
	}
}

func (m *Memory) CreateLicense(_ context.Context, l License) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[l.LicenseKey]; ok {
		return nil, ErrDuplicateKey
	}
	now := m.now()
	l.ID = uuid.NewString()
	l.CreatedAt = now
	l.UpdatedAt = now
	m.licenses[l.ID] = &l
	m.keys[l.LicenseKey] = l.ID
	out := l
	return &out, nil
}

func (m *Memory) GetLicense(_ context.Context, id string) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *l
	return &out, nil
}

func (m *Memory) GetLicenseByKey(_ context.Context, key string) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.licenses[id]
	return &out, nil
}

func (m *Memory) ListLicenses(_ context.Context) ([]License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]License, 0, len(m.licenses))
	for _, l := range m.licenses {
		out = append(out, *l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetLicenseStatus(_ context.Context, id string, status LicenseStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ExpireLicense(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[id]
	if !ok || l.Status != LicenseActive || !l.Expired(now) {
		return false, nil
	}
	l.Status = LicenseExpired
	l.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) DeleteLicense(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[id]
	if !ok {
		return ErrNotFound
	}
	if l.UsedCount > 0 {
		return ErrInUse
	}
	delete(m.licenses, id)
	delete(m.keys, l.LicenseKey)
	return nil
}

func (m *Memory) Activate(_ context.Context, b Binding, now time.Time) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.keys[b.LicenseKey]
	if !ok {
		return nil, ErrNotReserved
	}
	l := m.licenses[id]
	if l.Status != LicenseActive || l.Expired(now) || l.UsedCount >= l.MaxUsage {
		return nil, ErrNotReserved
	}
	if _, taken := m.uids[b.GameUID]; taken {
		return nil, ErrDuplicateUID
	}

	b.ID = uuid.NewString()
	b.CreatedAt = now
	b.UpdatedAt = now
	m.bindings[b.ID] = &b
	m.uids[b.GameUID] = b.ID
	l.UsedCount++
	l.UpdatedAt = now

	out := b
	return &out, nil
}

func (m *Memory) Deactivate(_ context.Context, id string, refuse ...BindingStatus) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if slices.Contains(refuse, b.Status) {
		return nil, ErrBindingLocked
	}
	delete(m.bindings, id)
	delete(m.uids, b.GameUID)

	if lid, ok := m.keys[b.LicenseKey]; ok {
		l := m.licenses[lid]
		if l.UsedCount > 0 {
			l.UsedCount--
		}
		l.UpdatedAt = m.now()
	}
	return b, nil
}

func (m *Memory) GetBinding(_ context.Context, id string) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *b
	return &out, nil
}

func (m *Memory) FindBindingByUID(_ context.Context, gameUID string) (*Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.uids[gameUID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.bindings[id]
	return &out, nil
}

func (m *Memory) ListBindings(_ context.Context, filter BindingFilter) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Binding
	for _, b := range m.bindings {
		if filter.match(b) {
			out = append(out, *b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) RecentBindings(_ context.Context, limit int) ([]Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		out = append(out, *b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetBindingStatus(_ context.Context, id string, status BindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ExpireBinding(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bindings[id]
	if !ok || b.Status != BindingActive || b.ExpireDate == nil || !b.ExpireDate.Before(now) {
		return false, nil
	}
	b.Status = BindingExpired
	b.UpdatedAt = now
	return true, nil
}

func (m *Memory) Stats(_ context.Context, now time.Time) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Stats{
		TotalLicenses: len(m.licenses),
		TotalBindings: len(m.bindings),
	}
	for _, l := range m.licenses {
		if l.Status == LicenseActive && l.ExpireDate.After(now) {
			s.ActiveLicenses++
		}
		if l.Status == LicenseExpired || l.Status == LicenseUsedUp || l.ExpireDate.Before(now) {
			s.ExpiredLicenses++
		}
	}
	for _, b := range m.bindings {
		switch b.Status {
		case BindingBanned:
			s.BannedBindings++
		case BindingPaused:
			s.PausedBindings++
		}
	}
	return s, nil
}

func (m *Memory) Close(_ context.Context) error {
	return nil
}
