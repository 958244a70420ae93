package uidlicense

import "time"

// OfflineOption configures an OfflineValidator.
type OfflineOption func(*OfflineValidator)

// WithTrustedPublicKey sets a trusted Ed25519 public key (base64-encoded).
// When set, the validator uses this key instead of the one embedded in the
// receipt. This is recommended for production to prevent key substitution.
func WithTrustedPublicKey(base64PubKey string) OfflineOption {
	return func(v *OfflineValidator) {
		v.trustedPublicKey = base64PubKey
	}
}

// WithVerifyClock sets the time source used for the expiry check.
func WithVerifyClock(now func() time.Time) OfflineOption {
	return func(v *OfflineValidator) {
		v.now = now
	}
}
