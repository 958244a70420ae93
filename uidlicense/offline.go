package uidlicense

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// OfflineValidator verifies Ed25519-signed binding receipts.
type OfflineValidator struct {
	trustedPublicKey string // base64-encoded Ed25519 public key
	now              func() time.Time
}

// NewOfflineValidator creates a new receipt validator.
func NewOfflineValidator(opts ...OfflineOption) *OfflineValidator {
	v := &OfflineValidator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyFile reads a receipt file from disk and verifies its signature.
func (v *OfflineValidator) VerifyFile(filePath string) (*Receipt, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read receipt file: %w", err)
	}
	return v.Verify(raw)
}

// Verify verifies a raw JSON receipt file and returns the binding snapshot.
//
//  1. Parse the outer envelope (receipt as raw JSON, signature, public_key)
//  2. Decode the public key and signature from base64
//  3. Verify ed25519.Verify(pubKey, rawReceiptBytes, signature)
//  4. Parse the receipt and check the binding is ACTIVE and unexpired
func (v *OfflineValidator) Verify(raw []byte) (*Receipt, error) {
	var file ReceiptFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReceiptInvalid, err)
	}

	if len(file.Receipt) == 0 || file.Signature == "" {
		return nil, ErrReceiptInvalid
	}

	pubKeyBase64 := file.PublicKey
	if v.trustedPublicKey != "" {
		pubKeyBase64 = v.trustedPublicKey
	}
	if pubKeyBase64 == "" {
		return nil, ErrPublicKeyInvalid
	}

	pubKeyBytes, err := base64.StdEncoding.DecodeString(pubKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrPublicKeyInvalid, err)
	}
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key length %d, expected %d", ErrPublicKeyInvalid, len(pubKeyBytes), ed25519.PublicKeySize)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(file.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature decode: %v", ErrSignatureInvalid, err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), file.Receipt, sigBytes) {
		return nil, ErrSignatureInvalid
	}

	var r Receipt
	if err := json.Unmarshal(file.Receipt, &r); err != nil {
		return nil, fmt.Errorf("%w: parse receipt: %v", ErrReceiptInvalid, err)
	}

	// Return the receipt alongside the error so callers can still show
	// which UID and license it was issued for.
	if r.Status != BindingActive {
		return &r, fmt.Errorf("%w: status %s", ErrBindingInactive, r.Status)
	}
	if r.ExpireDate != nil && r.ExpireDate.Before(v.now()) {
		return &r, ErrReceiptExpired
	}
	return &r, nil
}
