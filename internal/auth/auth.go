// Package auth verifies the bearer tokens issued by the account service and
// exposes the caller's identity to handlers.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fcartres/proyectofinal-sub001/internal/apperr"
	"github.com/fcartres/proyectofinal-sub001/internal/models"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID int64
	Email  string
	Role   models.Role
}

// Claims are the JWT claims carried by session tokens. The subject is the user id.
type Claims struct {
	Email string      `json:"email,omitempty"`
	Role  models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 session tokens. Expiry is enforced on every call,
// so an expired session is rejected server-side regardless of client state.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

func (v *Verifier) Verify(token string) (Identity, error) {
	const op = "auth.Verify"
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, apperr.E(apperr.Unauthorized, op, "session expired")
		}
		return Identity{}, apperr.E(apperr.Unauthorized, op, "invalid token")
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Identity{}, apperr.E(apperr.Unauthorized, op, "invalid token subject")
	}
	if !claims.Role.Valid() {
		return Identity{}, apperr.E(apperr.Unauthorized, op, "unknown role")
	}
	return Identity{UserID: id, Email: claims.Email, Role: claims.Role}, nil
}

// Issuer mints tokens. The account service owns issuance in production;
// this is used by the operator CLI and tests.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(id Identity) (string, error) {
	now := i.now()
	claims := Claims{
		Email: id.Email,
		Role:  id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", apperr.E(apperr.Unauthorized, "auth.BearerToken", "missing Authorization header")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", apperr.E(apperr.Unauthorized, "auth.BearerToken", "invalid Authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}

// Require reports whether the context carries an identity with one of roles.
func Require(ctx context.Context, roles ...models.Role) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return Identity{}, apperr.E(apperr.Unauthorized, "auth.Require", "authentication required")
	}
	if len(roles) == 0 {
		return id, nil
	}
	for _, r := range roles {
		if id.Role == r {
			return id, nil
		}
	}
	return Identity{}, apperr.E(apperr.Unauthorized, "auth.Require", "role not allowed")
}
