// Package store provides the persistence layer for licenses and UID bindings.
//
// Every backend enforces the capacity and uniqueness rules itself: the
// capacity check and the usage increment happen in one conditional update, and
// game UID uniqueness is a storage-level unique constraint.
package store

import (
	"context"
	"errors"
	"time"
)

// LicenseType is the tier of a license.
type LicenseType string

const (
	LicenseStandard LicenseType = "STANDARD"
	LicensePremium  LicenseType = "PREMIUM"
	LicenseLifetime LicenseType = "LIFETIME"
)

// Valid reports whether t is a known license type.
func (t LicenseType) Valid() bool {
	switch t {
	case LicenseStandard, LicensePremium, LicenseLifetime:
		return true
	}
	return false
}

// LicenseStatus is the administrative status of a license.
type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "ACTIVE"
	LicensePaused  LicenseStatus = "PAUSED"
	LicenseExpired LicenseStatus = "EXPIRED"
	LicenseUsedUp  LicenseStatus = "USED_UP"
)

// Valid reports whether s is a known license status.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseActive, LicensePaused, LicenseExpired, LicenseUsedUp:
		return true
	}
	return false
}

// BindingStatus is the status of a single UID binding.
type BindingStatus string

const (
	BindingActive  BindingStatus = "ACTIVE"
	BindingPaused  BindingStatus = "PAUSED"
	BindingBanned  BindingStatus = "BANNED"
	BindingExpired BindingStatus = "EXPIRED"
)

// Valid reports whether s is a known binding status.
func (s BindingStatus) Valid() bool {
	switch s {
	case BindingActive, BindingPaused, BindingBanned, BindingExpired:
		return true
	}
	return false
}

// License is a capacity- and time-bounded credential.
type License struct {
	ID          string        `json:"id"`
	LicenseKey  string        `json:"license_key"`
	LicenseType LicenseType   `json:"license_type"`
	ExpireDate  time.Time     `json:"expire_date"`
	MaxUsage    int           `json:"max_usage"`
	UsedCount   int           `json:"used_count"`
	MaxUsers    int           `json:"max_users"`
	Status      LicenseStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Expired reports whether the license expiry date has passed at now.
func (l *License) Expired(now time.Time) bool {
	return l.ExpireDate.Before(now)
}

// Binding associates a game UID with the license that authorized it.
// ExpireDate is nil exactly when LicenseType is LIFETIME.
type Binding struct {
	ID          string        `json:"id"`
	GameUID     string        `json:"game_uid"`
	LicenseKey  string        `json:"license_key"`
	LicenseType LicenseType   `json:"license_type"`
	Status      BindingStatus `json:"status"`
	UserRef     string        `json:"user_ref,omitempty"`
	ActivatedAt time.Time     `json:"activated_at"`
	ExpireDate  *time.Time    `json:"expire_date"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// BindingFilter narrows ListBindings. Empty fields match everything.
type BindingFilter struct {
	UserRef    string
	LicenseKey string
}

func (f BindingFilter) match(b *Binding) bool {
	if f.UserRef != "" && b.UserRef != f.UserRef {
		return false
	}
	if f.LicenseKey != "" && b.LicenseKey != f.LicenseKey {
		return false
	}
	return true
}

// Stats are the aggregate counters shown on the admin dashboard.
type Stats struct {
	TotalLicenses   int `json:"total_licenses"`
	ActiveLicenses  int `json:"active_licenses"`
	ExpiredLicenses int `json:"expired_licenses"`
	TotalBindings   int `json:"total_bindings"`
	BannedBindings  int `json:"banned_bindings"`
	PausedBindings  int `json:"paused_bindings"`
}

// Sentinel errors returned by every Store implementation.
var (
	// ErrNotFound is returned when the referenced license or binding does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey is returned when a license key is already taken.
	ErrDuplicateKey = errors.New("duplicate license key")
	// ErrDuplicateUID is returned when a live binding already holds the game UID.
	ErrDuplicateUID = errors.New("duplicate game uid")
	// ErrNotReserved is returned by Activate when the license could not take
	// another binding (missing, not ACTIVE, expired, or at capacity).
	ErrNotReserved = errors.New("license capacity not reserved")
	// ErrInUse is returned by DeleteLicense while bindings still count against the license.
	ErrInUse = errors.New("license has live bindings")
	// ErrBindingLocked is returned by Deactivate when the binding has one of
	// the refused statuses.
	ErrBindingLocked = errors.New("binding status forbids deactivation")
)

// Store persists licenses and bindings.
type Store interface {
	// CreateLicense inserts a new license. ID, CreatedAt and UpdatedAt are
	// assigned by the store. Returns ErrDuplicateKey if the key is taken.
	CreateLicense(ctx context.Context, l License) (*License, error)

	// GetLicense returns the license with the given id.
	GetLicense(ctx context.Context, id string) (*License, error)

	// GetLicenseByKey returns the license with the given key.
	GetLicenseByKey(ctx context.Context, key string) (*License, error)

	// ListLicenses returns all licenses ordered by creation time.
	ListLicenses(ctx context.Context) ([]License, error)

	// SetLicenseStatus overwrites the license status.
	SetLicenseStatus(ctx context.Context, id string, status LicenseStatus) error

	// ExpireLicense moves an ACTIVE license whose expiry is before now to
	// EXPIRED. It reports whether the update took effect; a missing record
	// reports false.
	ExpireLicense(ctx context.Context, id string, now time.Time) (bool, error)

	// DeleteLicense removes a license that has no bindings charged against
	// it. Returns ErrInUse otherwise.
	DeleteLicense(ctx context.Context, id string) error

	// Activate reserves one unit of capacity on b.LicenseKey and inserts b as
	// a single logical transaction. The reservation only succeeds when the
	// license is ACTIVE, not expired at now, and below capacity; otherwise
	// ErrNotReserved is returned. A live binding with the same game UID
	// yields ErrDuplicateUID and leaves the usage counter untouched.
	Activate(ctx context.Context, b Binding, now time.Time) (*Binding, error)

	// Deactivate deletes the binding and releases its unit of capacity,
	// never taking the usage counter below zero. It returns the deleted binding.
	// A binding whose status is listed in refuse is left in place and
	// ErrBindingLocked is returned; the status check and the delete are atomic.
	Deactivate(ctx context.Context, id string, refuse ...BindingStatus) (*Binding, error)

	// GetBinding returns the binding with the given id.
	GetBinding(ctx context.Context, id string) (*Binding, error)

	// FindBindingByUID returns the live binding holding gameUID.
	FindBindingByUID(ctx context.Context, gameUID string) (*Binding, error)

	// ListBindings returns bindings matching the filter, oldest first.
	ListBindings(ctx context.Context, filter BindingFilter) ([]Binding, error)

	// RecentBindings returns up to limit bindings, newest first.
	RecentBindings(ctx context.Context, limit int) ([]Binding, error)

	// SetBindingStatus overwrites the binding status.
	SetBindingStatus(ctx context.Context, id string, status BindingStatus) error

	// ExpireBinding moves an ACTIVE binding whose expiry is before now to
	// EXPIRED. It reports whether the update took effect; a missing record
	// reports false.
	ExpireBinding(ctx context.Context, id string, now time.Time) (bool, error)

	// Stats returns dashboard counters evaluated at now.
	Stats(ctx context.Context, now time.Time) (*Stats, error)

	// Close releases any resources held by the store.
	Close(ctx context.Context) error
}
