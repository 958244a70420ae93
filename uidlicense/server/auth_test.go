package server

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signClaims(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(testSecret, "uidlicense")

	valid, err := v.Issue("ops@example.com", time.Minute)
	require.NoError(t, err)
	subject, err := v.Verify(ctx, valid)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", subject)

	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{
			name: "expired",
			token: signClaims(t, jwt.SigningMethodHS256, testSecret, sessionClaims{
				Role:             AdminRole,
				RegisteredClaims: jwt.RegisteredClaims{Issuer: "uidlicense", ExpiresAt: past},
			}),
			wantErr: ErrUnauthorized,
		},
		{
			name: "no expiry",
			token: signClaims(t, jwt.SigningMethodHS256, testSecret, sessionClaims{
				Role:             AdminRole,
				RegisteredClaims: jwt.RegisteredClaims{Issuer: "uidlicense"},
			}),
			wantErr: ErrUnauthorized,
		},
		{
			name: "wrong issuer",
			token: signClaims(t, jwt.SigningMethodHS256, testSecret, sessionClaims{
				Role:             AdminRole,
				RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: future},
			}),
			wantErr: ErrUnauthorized,
		},
		{
			name: "wrong algorithm",
			token: signClaims(t, jwt.SigningMethodHS512, testSecret, sessionClaims{
				Role:             AdminRole,
				RegisteredClaims: jwt.RegisteredClaims{Issuer: "uidlicense", ExpiresAt: future},
			}),
			wantErr: ErrUnauthorized,
		},
		{
			name: "not admin",
			token: signClaims(t, jwt.SigningMethodHS256, testSecret, sessionClaims{
				Role:             "player",
				RegisteredClaims: jwt.RegisteredClaims{Issuer: "uidlicense", ExpiresAt: future},
			}),
			wantErr: ErrForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRequireSession_Forbidden(t *testing.T) {
	e := newTestEnv(t)
	token := signClaims(t, jwt.SigningMethodHS256, testSecret, sessionClaims{
		Role: "player",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "uidlicense-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	status, env := e.do(t, "GET", "/v1/admin/stats", token, nil)
	assert.Equal(t, 403, status)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}
