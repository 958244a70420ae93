package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminRole is the role claim an admin session token must carry.
const AdminRole = "admin"

// ErrUnauthorized is returned by a SessionVerifier for missing or invalid tokens.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned by a SessionVerifier for valid tokens without admin rights.
var ErrForbidden = errors.New("forbidden")

// SessionVerifier authenticates admin bearer tokens and returns the subject.
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (subject string, err error)
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 admin session tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for tokens signed with secret. When
// issuer is non-empty the iss claim must match it.
func NewJWTVerifier(secret []byte, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: secret, issuer: issuer}
}

// Verify parses token and checks its signature, expiry, issuer and role.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Role != AdminRole {
		return "", fmt.Errorf("%w: role %q", ErrForbidden, claims.Role)
	}
	return claims.Subject, nil
}

// Issue signs an admin session token for subject valid for ttl.
func (v *JWTVerifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Role: AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

type subjectKey struct{}

// Subject returns the authenticated admin subject stored by the session middleware.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if authHeader == "" || token == authHeader {
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
			return
		}

		subject, err := s.sessions.Verify(r.Context(), token)
		if err != nil {
			s.logger.WarnContext(r.Context(), "admin session rejected",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, ErrForbidden) {
				writeError(w, r, http.StatusForbidden, "FORBIDDEN", "admin role required")
				return
			}
			writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session")
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey{}, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
