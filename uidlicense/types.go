package uidlicense

import (
	"encoding/json"
	"time"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense/store"
)

// Domain types are defined in the store package so every backend shares them.
type (
	License       = store.License
	LicenseType   = store.LicenseType
	LicenseStatus = store.LicenseStatus
	Binding       = store.Binding
	BindingStatus = store.BindingStatus
	BindingFilter = store.BindingFilter
	Stats         = store.Stats
)

const (
	LicenseStandard = store.LicenseStandard
	LicensePremium  = store.LicensePremium
	LicenseLifetime = store.LicenseLifetime

	LicenseActive  = store.LicenseActive
	LicensePaused  = store.LicensePaused
	LicenseExpired = store.LicenseExpired
	LicenseUsedUp  = store.LicenseUsedUp

	BindingActive  = store.BindingActive
	BindingPaused  = store.BindingPaused
	BindingBanned  = store.BindingBanned
	BindingExpired = store.BindingExpired
)

// BindingTerm is how long a non-LIFETIME binding stays valid after activation.
const BindingTerm = 30 * 24 * time.Hour

// Game UID length bounds, in characters.
const (
	MinGameUIDLength = 6
	MaxGameUIDLength = 12
)

// Defaults applied by CreateLicense.
const (
	DefaultLicenseType = store.LicenseStandard
	DefaultMaxUsers    = 5
)

// BindingExpiry returns the expiry of a binding activated at activatedAt
// under a license of type t. LIFETIME bindings never expire.
func BindingExpiry(t LicenseType, activatedAt time.Time) *time.Time {
	if t == LicenseLifetime {
		return nil
	}
	exp := activatedAt.Add(BindingTerm)
	return &exp
}

// ActivateRequest is the request body for the /v1/activate endpoint.
type ActivateRequest struct {
	GameUID    string `json:"game_uid"`
	LicenseKey string `json:"license_key"`
	UserRef    string `json:"user_ref,omitempty"`
}

// CreateLicenseRequest is the request body for POST /v1/admin/licenses.
// Zero LicenseType and MaxUsers take the package defaults.
type CreateLicenseRequest struct {
	ExpireDate  time.Time   `json:"expire_date"`
	MaxUsage    int         `json:"max_usage"`
	LicenseType LicenseType `json:"license_type,omitempty"`
	MaxUsers    int         `json:"max_users,omitempty"`
}

// LicenseSummary is the license detail attached to admin binding listings.
type LicenseSummary struct {
	LicenseKey  string        `json:"license_key"`
	LicenseType LicenseType   `json:"license_type"`
	Status      LicenseStatus `json:"status"`
	ExpireDate  time.Time     `json:"expire_date"`
}

// BindingDetail is a binding joined with the license that authorized it.
// License is nil when the license has since been deleted.
type BindingDetail struct {
	Binding
	License *LicenseSummary `json:"license,omitempty"`
}

// Dashboard is the admin overview: aggregate counters plus the most recent
// activations.
type Dashboard struct {
	Stats          Stats     `json:"stats"`
	RecentActivity []Binding `json:"recent_activity"`
}

// ReceiptFile is a signed binding receipt. Receipt is kept as json.RawMessage
// to preserve the exact bytes the signature covers.
type ReceiptFile struct {
	Receipt   json.RawMessage `json:"receipt"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
}

// Receipt is the binding snapshot embedded in a ReceiptFile.
type Receipt struct {
	BindingID   string        `json:"binding_id"`
	GameUID     string        `json:"game_uid"`
	LicenseKey  string        `json:"license_key"`
	LicenseType LicenseType   `json:"license_type"`
	Status      BindingStatus `json:"status"`
	ActivatedAt time.Time     `json:"activated_at"`
	ExpireDate  *time.Time    `json:"expire_date"`
	IssuedAt    time.Time     `json:"issued_at"`
}
