package uidlicense

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ReceiptSigner issues Ed25519-signed binding receipts.
type ReceiptSigner struct {
	key ed25519.PrivateKey
}

// NewReceiptSigner creates a signer from an Ed25519 private key.
func NewReceiptSigner(key ed25519.PrivateKey) (*ReceiptSigner, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key length %d, expected %d", len(key), ed25519.PrivateKeySize)
	}
	return &ReceiptSigner{key: key}, nil
}

// ParseSigningKey decodes a base64 Ed25519 key. Both the 32-byte seed and
// the 64-byte private key forms are accepted.
func ParseSigningKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("signing key length %d, expected %d or %d", len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
}

// PublicKey returns the base64-encoded public half of the signing key.
func (s *ReceiptSigner) PublicKey() string {
	return base64.StdEncoding.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Sign signs r and returns the receipt file.
func (s *ReceiptSigner) Sign(r Receipt) (*ReceiptFile, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal receipt: %w", err)
	}
	return &ReceiptFile{
		Receipt:   payload,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, payload)),
		PublicKey: s.PublicKey(),
	}, nil
}

// ReceiptsEnabled reports whether the Manager was configured with a signer.
func (m *Manager) ReceiptsEnabled() bool {
	return m.signer != nil
}

// IssueReceipt returns a signed receipt for an ACTIVE binding.
func (m *Manager) IssueReceipt(ctx context.Context, bindingID string) (*ReceiptFile, error) {
	if m.signer == nil {
		return nil, errors.New("receipt signing is not configured")
	}
	b, err := m.GetBinding(ctx, bindingID)
	if err != nil {
		return nil, err
	}
	if b.Status != BindingActive {
		return nil, fmt.Errorf("%w: status %s", ErrBindingInactive, b.Status)
	}
	return m.signer.Sign(Receipt{
		BindingID:   b.ID,
		GameUID:     b.GameUID,
		LicenseKey:  b.LicenseKey,
		LicenseType: b.LicenseType,
		Status:      b.Status,
		ActivatedAt: b.ActivatedAt,
		ExpireDate:  b.ExpireDate,
		IssuedAt:    m.now(),
	})
}
