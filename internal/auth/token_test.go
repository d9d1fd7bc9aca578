package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueToken(secret, "usr_1", "Ada", "editor", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if claims.Subject != "usr_1" || claims.Name != "Ada" || claims.Role != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsBadTokens(t *testing.T) {
	secret := []byte("test-secret")
	valid, err := IssueToken(secret, "usr_1", "Ada", "viewer", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	expired, err := IssueToken(secret, "usr_1", "Ada", "viewer", -time.Minute)
	if err != nil {
		t.Fatalf("issue expired token: %v", err)
	}
	noSubject, err := IssueToken(secret, "", "Ada", "viewer", time.Hour)
	if err != nil {
		t.Fatalf("issue token without subject: %v", err)
	}

	cases := []struct {
		name   string
		secret []byte
		token  string
		want   error
	}{
		{name: "wrong secret", secret: []byte("other"), token: valid, want: ErrInvalidToken},
		{name: "tampered", secret: secret, token: valid[:len(valid)-2] + "xx", want: ErrInvalidToken},
		{name: "garbage", secret: secret, token: "not-a-token", want: ErrInvalidToken},
		{name: "expired", secret: secret, token: expired, want: ErrExpiredToken},
		{name: "missing subject", secret: secret, token: noSubject, want: ErrInvalidToken},
		{name: "empty", secret: secret, token: strings.TrimSpace(" "), want: ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseToken(tc.secret, tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("ParseToken() error = %v, want %v", err, tc.want)
			}
		})
	}
}
