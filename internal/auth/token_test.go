package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens("secret")
	issued, err := tokens.Issue(Identity{UserID: "usr_1", Email: " Avery@Example.com ", Name: "Avery"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	id, err := tokens.Verify(issued)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if id.UserID != "usr_1" || id.Email != "avery@example.com" || id.Name != "Avery" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	tokens := NewTokens("secret")
	issued, err := tokens.Issue(Identity{UserID: "usr_1", Email: "a@example.com"}, -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := tokens.Verify(issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	tokens := NewTokens("secret")
	issued, err := tokens.Issue(Identity{UserID: "usr_1", Email: "a@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	payload, signature, _ := strings.Cut(issued, ".")

	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"usr_admin","email":"x@example.com","jti":"j","exp":9999999999}`))
	cases := map[string]string{
		"other secret":   mustIssue(t, NewTokens("other")),
		"forged payload": forged + "." + signature,
		"no signature":   payload,
		"extra segment":  issued + ".x",
		"empty":          "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIssueRequiresIdentity(t *testing.T) {
	if _, err := NewTokens("secret").Issue(Identity{UserID: "usr_1"}, time.Hour); err == nil {
		t.Fatal("expected error without email")
	}
}

func mustIssue(t *testing.T, tokens *Tokens) string {
	t.Helper()
	issued, err := tokens.Issue(Identity{UserID: "usr_1", Email: "a@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return issued
}
