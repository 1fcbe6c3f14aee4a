package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndAuthenticate(t *testing.T) {
	t.Parallel()
	a, err := NewJWT("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewJWT: %v", err)
	}
	tok, err := a.Issue(42)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	for _, in := range []string{tok, "Bearer " + tok} {
		id, err := a.Authenticate(in)
		if err != nil || id != 42 {
			t.Fatalf("Authenticate(%q) = %d, %v", in[:10], id, err)
		}
	}
}

func TestAuthenticateRejects(t *testing.T) {
	t.Parallel()
	a, _ := NewJWT("secret", time.Minute)
	other, _ := NewJWT("other", time.Minute)
	foreign, _ := other.Issue(1)

	expiredAuth, _ := NewJWT("secret", time.Minute)
	expiredAuth.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, _ := expiredAuth.Issue(1)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrTokenInvalid},
		{"garbage", "abc.def.ghi", ErrTokenInvalid},
		{"wrong secret", foreign, ErrTokenInvalid},
		{"expired", expired, ErrTokenExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Authenticate(tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
