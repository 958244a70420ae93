package uidlicense

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense/store"
)

// LicenseExpiryPolicy controls what happens to an ACTIVE license whose
// expiry date has passed.
type LicenseExpiryPolicy int

const (
	// LicenseExpiryBlockOnly rejects activations against the license but
	// leaves its stored status alone.
	LicenseExpiryBlockOnly LicenseExpiryPolicy = iota
	// LicenseExpiryMarkOnRead additionally persists ACTIVE -> EXPIRED when
	// the license is read by Activate or ListLicenses.
	LicenseExpiryMarkOnRead
)

// Manager is the activation engine. It enforces the license preconditions,
// reserves capacity through the store, and applies lazy expiry on reads.
// A Manager is safe for concurrent use.
type Manager struct {
	store        store.Store
	now          func() time.Time
	logger       *slog.Logger
	expiryPolicy LicenseExpiryPolicy
	newKey       func() (string, error)
	signer       *ReceiptSigner
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the time source. Default is time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the structured logger. Default discards all output.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithLicenseExpiryPolicy sets how expired ACTIVE licenses are treated.
// Default is LicenseExpiryBlockOnly.
func WithLicenseExpiryPolicy(p LicenseExpiryPolicy) ManagerOption {
	return func(m *Manager) {
		m.expiryPolicy = p
	}
}

// WithKeyGenerator replaces GenerateLicenseKey for new licenses.
func WithKeyGenerator(gen func() (string, error)) ManagerOption {
	return func(m *Manager) {
		m.newKey = gen
	}
}

// WithReceiptSigner enables signed binding receipts.
func WithReceiptSigner(s *ReceiptSigner) ManagerOption {
	return func(m *Manager) {
		m.signer = s
	}
}

// NewManager creates a Manager backed by st.
func NewManager(st store.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  st,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		newKey: GenerateLicenseKey,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Activate binds req.GameUID to the license identified by req.LicenseKey.
//
// Checks run in a fixed order and the first failure is returned:
//  1. GameUID and LicenseKey are non-empty
//  2. GameUID is 6-12 characters
//  3. The license exists
//  4. The license status is ACTIVE
//  5. The license has not expired
//  6. The license is below capacity
//  7. No live binding holds the game UID
//
// Capacity is reserved atomically by the store, so concurrent activations
// never push the usage counter past the license maximum.
func (m *Manager) Activate(ctx context.Context, req ActivateRequest) (*Binding, error) {
	if req.GameUID == "" || req.LicenseKey == "" {
		return nil, fmt.Errorf("%w: game uid and license key are required", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(req.GameUID); n < MinGameUIDLength || n > MaxGameUIDLength {
		return nil, fmt.Errorf("%w: game uid must be %d-%d characters, got %d",
			ErrInvalidInput, MinGameUIDLength, MaxGameUIDLength, n)
	}

	now := m.now()
	lic, err := m.licenseByKey(ctx, req.LicenseKey)
	if err != nil {
		m.rejected(ctx, req, err)
		return nil, err
	}
	if err := m.checkLicense(ctx, lic, now); err != nil {
		m.rejected(ctx, req, err)
		return nil, err
	}

	existing, err := m.store.FindBindingByUID(ctx, req.GameUID)
	switch {
	case err == nil:
		err = fmt.Errorf("%w: %s is bound to license %s", ErrDuplicateBinding, existing.GameUID, existing.LicenseKey)
		m.rejected(ctx, req, err)
		return nil, err
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find binding: %w", err)
	}

	b, err := m.store.Activate(ctx, Binding{
		GameUID:     req.GameUID,
		LicenseKey:  lic.LicenseKey,
		LicenseType: lic.LicenseType,
		Status:      BindingActive,
		UserRef:     req.UserRef,
		ActivatedAt: now,
		ExpireDate:  BindingExpiry(lic.LicenseType, now),
	}, now)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateUID):
		err = fmt.Errorf("%w: %s", ErrDuplicateBinding, req.GameUID)
		m.rejected(ctx, req, err)
		return nil, err
	case errors.Is(err, store.ErrNotReserved):
		err = m.explainRejection(ctx, req.LicenseKey)
		m.rejected(ctx, req, err)
		return nil, err
	default:
		return nil, fmt.Errorf("activate: %w", err)
	}

	m.logger.InfoContext(ctx, "uid activated",
		slog.String("binding_id", b.ID),
		slog.String("game_uid", b.GameUID),
		slog.String("license_key", b.LicenseKey),
		slog.String("license_type", string(b.LicenseType)),
	)
	return b, nil
}

// ActivationMessage returns the human-readable confirmation for b.
func ActivationMessage(b *Binding) string {
	if b.ExpireDate == nil {
		return fmt.Sprintf("UID %s activated with a lifetime license", b.GameUID)
	}
	return fmt.Sprintf("UID %s activated until %s", b.GameUID, b.ExpireDate.UTC().Format(time.DateOnly))
}

// Deactivate removes the binding and returns its unit of capacity to the
// license. Deactivating an unknown or already removed binding returns
// ErrBindingNotFound and changes nothing.
func (m *Manager) Deactivate(ctx context.Context, bindingID string) error {
	return m.deactivate(ctx, bindingID)
}

// Unbind is the deactivation offered to binding holders. It behaves like
// Deactivate but refuses bindings an administrator has paused or banned with
// ErrBindingLocked, so a holder cannot lift a ban by re-activating the UID.
func (m *Manager) Unbind(ctx context.Context, bindingID string) error {
	return m.deactivate(ctx, bindingID, store.BindingPaused, store.BindingBanned)
}

func (m *Manager) deactivate(ctx context.Context, bindingID string, refuse ...store.BindingStatus) error {
	if bindingID == "" {
		return fmt.Errorf("%w: binding id is required", ErrInvalidInput)
	}
	b, err := m.store.Deactivate(ctx, bindingID, refuse...)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrBindingNotFound, bindingID)
		case errors.Is(err, store.ErrBindingLocked):
			return fmt.Errorf("%w: binding %s can only be removed by an administrator", ErrBindingLocked, bindingID)
		}
		return fmt.Errorf("deactivate: %w", err)
	}
	m.logger.InfoContext(ctx, "uid deactivated",
		slog.String("binding_id", b.ID),
		slog.String("game_uid", b.GameUID),
		slog.String("license_key", b.LicenseKey),
	)
	return nil
}

func (m *Manager) licenseByKey(ctx context.Context, key string) (*License, error) {
	lic, err := m.store.GetLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLicenseNotFound, key)
		}
		return nil, fmt.Errorf("get license: %w", err)
	}
	return lic, nil
}

// checkLicense applies the status, expiry and capacity preconditions in order.
func (m *Manager) checkLicense(ctx context.Context, lic *License, now time.Time) error {
	if lic.Status != LicenseActive {
		return fmt.Errorf("%w: status %s", ErrLicenseInactive, lic.Status)
	}
	if lic.Expired(now) {
		m.markExpired(ctx, lic, now)
		return fmt.Errorf("%w: expired at %s", ErrLicenseExpired, lic.ExpireDate.UTC().Format(time.RFC3339))
	}
	if lic.UsedCount >= lic.MaxUsage {
		return fmt.Errorf("%w: %d/%d in use", ErrCapacityExceeded, lic.UsedCount, lic.MaxUsage)
	}
	return nil
}

// explainRejection re-reads the license after the store refused a
// reservation and reports the precondition that no longer holds.
func (m *Manager) explainRejection(ctx context.Context, key string) error {
	lic, err := m.licenseByKey(ctx, key)
	if err != nil {
		return err
	}
	if err := m.checkLicense(ctx, lic, m.now()); err != nil {
		return err
	}
	return fmt.Errorf("%w: license %s changed during activation", ErrConflict, key)
}

// markExpired persists ACTIVE -> EXPIRED under LicenseExpiryMarkOnRead.
// Failures are logged; the caller already treats the license as expired.
func (m *Manager) markExpired(ctx context.Context, lic *License, now time.Time) {
	if m.expiryPolicy != LicenseExpiryMarkOnRead || lic.Status != LicenseActive {
		return
	}
	ok, err := m.store.ExpireLicense(ctx, lic.ID, now)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to mark license expired",
			slog.String("license_key", lic.LicenseKey),
			slog.String("error", err.Error()),
		)
		return
	}
	if ok {
		m.logger.InfoContext(ctx, "license marked expired", slog.String("license_key", lic.LicenseKey))
	}
}

func (m *Manager) rejected(ctx context.Context, req ActivateRequest, err error) {
	m.logger.InfoContext(ctx, "activation rejected",
		slog.String("game_uid", req.GameUID),
		slog.String("license_key", req.LicenseKey),
		slog.String("code", ErrorCode(err)),
		slog.String("reason", err.Error()),
	)
}
