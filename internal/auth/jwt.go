// Package auth resolves bearer credentials into user identities.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// Verifier resolves a bearer credential into an identity. Any failure is
// reported as chat.ErrAuthentication.
type Verifier interface {
	Verify(ctx context.Context, token string) (chat.UserIdentity, error)
}

// UserFinder looks up the identity named by a token.
type UserFinder interface {
	FindUser(ctx context.Context, id string) (chat.UserIdentity, error)
}

// Claims carried by relay tokens.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 tokens.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  UserFinder
	now    func() time.Time
}

var _ Verifier = (*JWT)(nil)

// NewJWT returns a JWT verifier backed by users.
func NewJWT(secret, issuer string, ttl time.Duration, users UserFinder) *JWT {
	return &JWT{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		users:  users,
		now:    time.Now,
	}
}

// Generate issues a token for userID.
func (j *JWT) Generate(userID string) (string, error) {
	now := j.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Verify checks the signature and expiry and then loads the user.
func (j *JWT) Verify(ctx context.Context, tokenString string) (chat.UserIdentity, error) {
	if tokenString == "" {
		return chat.UserIdentity{}, chat.ErrAuthentication
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, chat.ErrAuthentication
		}
		return j.secret, nil
	},
		jwt.WithIssuer(j.issuer),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return chat.UserIdentity{}, errors.Join(chat.ErrAuthentication, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return chat.UserIdentity{}, chat.ErrAuthentication
	}

	user, err := j.users.FindUser(ctx, claims.UserID)
	if err != nil {
		return chat.UserIdentity{}, errors.Join(chat.ErrAuthentication, err)
	}
	return user, nil
}

// TokenFromRequest reads the bearer token from the Authorization header,
// falling back to the "token" query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
