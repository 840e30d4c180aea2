/*
auth.go - Bearer token sessions

PURPOSE:
  Resolves the Authorization header to a market.Session before any
  marketplace handler runs. Tokens are HS256 JWTs whose subject is the
  user id and whose "role" claim selects the session variant.

  Missing, malformed, expired or foreign-issuer tokens all answer 401.
  Tokens are minted by `leadx token` (cmd/server) with the same secret.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/lead-exchange/market"
)

var errUnauthenticated = errors.New("authentication required")

// Claims are the JWT claims carried by a session token.
type Claims struct {
	Role market.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session tokens.
type TokenIssuer struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func NewTokenIssuer(secret, issuer string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		Secret: []byte(secret),
		Issuer: issuer,
		TTL:    ttl,
		Now:    time.Now,
	}
}

// Issue returns a signed token for the user and its expiry.
func (t *TokenIssuer) Issue(userID market.UserID, role market.Role) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}

	now := t.Now()
	expiresAt := now.Add(t.TTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    t.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse validates a token and returns the session it names.
func (t *TokenIssuer) Parse(token string) (market.Session, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", errUnauthenticated)
	}

	sess, err := market.NewSession(market.UserID(claims.Subject), claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	return sess, nil
}

// =============================================================================
// REQUEST CONTEXT
// =============================================================================

type sessionKey struct{}

// WithSession returns a copy of ctx carrying sess.
func WithSession(ctx context.Context, sess market.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the session resolved by Authenticate.
func SessionFrom(ctx context.Context) (market.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(market.Session)
	return sess, ok && sess != nil
}

// Authenticate rejects requests without a valid bearer token.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			h.writeError(w, r, errUnauthenticated)
			return
		}

		sess, err := h.Tokens.Parse(strings.TrimSpace(token))
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
	})
}

// session returns the caller; routes behind Authenticate always have one.
func session(r *http.Request) (market.Session, error) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		return nil, errUnauthenticated
	}
	return sess, nil
}
