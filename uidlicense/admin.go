package uidlicense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense/store"
)

const (
	keyAttempts        = 5
	recentActivityRows = 10
)

// SetBindingStatus overwrites the status of a binding. Only ACTIVE, PAUSED
// and BANNED may be set by an administrator; EXPIRED is reserved for lazy
// expiry. Any transition between the allowed statuses is accepted.
func (m *Manager) SetBindingStatus(ctx context.Context, bindingID string, status BindingStatus) error {
	switch status {
	case BindingActive, BindingPaused, BindingBanned:
	default:
		return fmt.Errorf("%w: binding status %q", ErrInvalidInput, status)
	}
	if err := m.store.SetBindingStatus(ctx, bindingID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBindingNotFound, bindingID)
		}
		return fmt.Errorf("set binding status: %w", err)
	}
	m.logger.InfoContext(ctx, "binding status changed",
		slog.String("binding_id", bindingID),
		slog.String("status", string(status)),
	)
	return nil
}

// CreateLicense issues a new license with a freshly generated key.
func (m *Manager) CreateLicense(ctx context.Context, req CreateLicenseRequest) (*License, error) {
	if req.ExpireDate.IsZero() {
		return nil, fmt.Errorf("%w: expire date is required", ErrInvalidInput)
	}
	if req.MaxUsage <= 0 {
		return nil, fmt.Errorf("%w: max usage must be positive, got %d", ErrInvalidInput, req.MaxUsage)
	}
	if req.LicenseType == "" {
		req.LicenseType = DefaultLicenseType
	}
	if !req.LicenseType.Valid() {
		return nil, fmt.Errorf("%w: license type %q", ErrInvalidInput, req.LicenseType)
	}
	if req.MaxUsers < 0 {
		return nil, fmt.Errorf("%w: max users must not be negative, got %d", ErrInvalidInput, req.MaxUsers)
	}
	if req.MaxUsers == 0 {
		req.MaxUsers = DefaultMaxUsers
	}

	for attempt := 1; ; attempt++ {
		key, err := m.newKey()
		if err != nil {
			return nil, err
		}
		lic, err := m.store.CreateLicense(ctx, License{
			LicenseKey:  key,
			LicenseType: req.LicenseType,
			ExpireDate:  req.ExpireDate,
			MaxUsage:    req.MaxUsage,
			MaxUsers:    req.MaxUsers,
			Status:      LicenseActive,
		})
		if errors.Is(err, store.ErrDuplicateKey) && attempt < keyAttempts {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create license: %w", err)
		}
		m.logger.InfoContext(ctx, "license created",
			slog.String("license_id", lic.ID),
			slog.String("license_key", lic.LicenseKey),
			slog.String("license_type", string(lic.LicenseType)),
			slog.Int("max_usage", lic.MaxUsage),
		)
		return lic, nil
	}
}

// ListLicenses returns every license. Under LicenseExpiryMarkOnRead, ACTIVE
// licenses past their expiry are persisted and reported as EXPIRED.
func (m *Manager) ListLicenses(ctx context.Context) ([]License, error) {
	list, err := m.store.ListLicenses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	if list == nil {
		list = []License{}
	}
	if m.expiryPolicy != LicenseExpiryMarkOnRead {
		return list, nil
	}
	now := m.now()
	for i := range list {
		lic := &list[i]
		if lic.Status != LicenseActive || !lic.Expired(now) {
			continue
		}
		ok, err := m.store.ExpireLicense(ctx, lic.ID, now)
		if err != nil {
			return nil, fmt.Errorf("expire license %s: %w", lic.LicenseKey, err)
		}
		if ok {
			lic.Status = LicenseExpired
			lic.UpdatedAt = now
		}
	}
	return list, nil
}

// SetLicenseStatus overwrites the status of a license. Existing bindings are
// not touched.
func (m *Manager) SetLicenseStatus(ctx context.Context, licenseID string, status LicenseStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: license status %q", ErrInvalidInput, status)
	}
	if err := m.store.SetLicenseStatus(ctx, licenseID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrLicenseNotFound, licenseID)
		}
		return fmt.Errorf("set license status: %w", err)
	}
	m.logger.InfoContext(ctx, "license status changed",
		slog.String("license_id", licenseID),
		slog.String("status", string(status)),
	)
	return nil
}

// DeleteLicense removes a license. Deletion is refused with ErrLicenseInUse
// while bindings still count against it.
func (m *Manager) DeleteLicense(ctx context.Context, licenseID string) error {
	err := m.store.DeleteLicense(ctx, licenseID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrLicenseNotFound, licenseID)
	case errors.Is(err, store.ErrInUse):
		return fmt.Errorf("%w: deactivate its bindings first", ErrLicenseInUse)
	default:
		return fmt.Errorf("delete license: %w", err)
	}
	m.logger.InfoContext(ctx, "license deleted", slog.String("license_id", licenseID))
	return nil
}

// ListBindingDetails returns every binding joined with its license summary.
func (m *Manager) ListBindingDetails(ctx context.Context) ([]BindingDetail, error) {
	bindings, err := m.ListBindings(ctx, BindingFilter{})
	if err != nil {
		return nil, err
	}
	licenses, err := m.store.ListLicenses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	byKey := make(map[string]*LicenseSummary, len(licenses))
	for _, l := range licenses {
		byKey[l.LicenseKey] = &LicenseSummary{
			LicenseKey:  l.LicenseKey,
			LicenseType: l.LicenseType,
			Status:      l.Status,
			ExpireDate:  l.ExpireDate,
		}
	}
	out := make([]BindingDetail, len(bindings))
	for i, b := range bindings {
		out[i] = BindingDetail{Binding: b, License: byKey[b.LicenseKey]}
	}
	return out, nil
}

// Dashboard returns aggregate counters and the most recent activations.
func (m *Manager) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := m.now()
	stats, err := m.store.Stats(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	recent, err := m.store.RecentBindings(ctx, recentActivityRows)
	if err != nil {
		return nil, fmt.Errorf("recent bindings: %w", err)
	}
	activity := make([]Binding, 0, len(recent))
	for _, b := range recent {
		rb, ok, err := m.reconcile(ctx, b, now)
		if err != nil {
			return nil, err
		}
		if ok {
			activity = append(activity, rb)
		}
	}
	return &Dashboard{Stats: *stats, RecentActivity: activity}, nil
}
