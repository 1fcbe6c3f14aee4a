// Package auth authenticates session connections with HS256 JWTs whose
// subject is the recipient id.
package auth

import (
	"errors"
	"strconv"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// Authenticator resolves a bearer token to a recipient id.
type Authenticator interface {
	Authenticate(token string) (int64, error)
}

type Claims struct {
	jwtv5.RegisteredClaims
}

type JWTAuthenticator struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWT returns an authenticator; ttl 0 means 24h.
func NewJWT(secret string, ttl time.Duration) (*JWTAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTAuthenticator{secret: []byte(secret), ttl: ttl, issuer: "notifyhub", now: time.Now}, nil
}

// Issue signs a token for recipientID.
func (a *JWTAuthenticator) Issue(recipientID int64) (string, error) {
	now := a.now()
	claims := Claims{RegisteredClaims: jwtv5.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   strconv.FormatInt(recipientID, 10),
		Issuer:    a.issuer,
		IssuedAt:  jwtv5.NewNumericDate(now),
		ExpiresAt: jwtv5.NewNumericDate(now.Add(a.ttl)),
	}}
	return jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *JWTAuthenticator) Authenticate(token string) (int64, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return 0, ErrTokenInvalid
	}
	parsed, err := jwtv5.ParseWithClaims(token, &Claims{}, func(t *jwtv5.Token) (any, error) {
		if _, ok := t.Method.(*jwtv5.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return a.secret, nil
	}, jwtv5.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenExpired) {
			return 0, ErrTokenExpired
		}
		return 0, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return 0, ErrTokenInvalid
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrTokenInvalid
	}
	return id, nil
}
