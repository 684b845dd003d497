// Package auth verifies the signed bearer tokens that carry an actor's identity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagewise/api/internal/util"
)

type Claims struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	JTI   string `json:"jti"`
	Exp   int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Identity is the verified actor behind a token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Tokens issues and verifies HMAC-SHA256 signed "payload.signature" tokens.
type Tokens struct {
	secret []byte
	now    func() time.Time
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret), now: time.Now}
}

func (t *Tokens) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" || id.Email == "" {
		return "", fmt.Errorf("issue token: user id and email are required")
	}
	claims := Claims{
		Sub:   id.UserID,
		Email: strings.ToLower(strings.TrimSpace(id.Email)),
		Name:  id.Name,
		JTI:   util.NewID("jti"),
		Exp:   t.now().Add(ttl).Unix(),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + t.sign(payload), nil
}

func (t *Tokens) Verify(token string) (Identity, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Identity{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(t.sign(payload))) {
		return Identity{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Identity{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Email == "" || claims.JTI == "" || claims.Exp == 0 {
		return Identity{}, ErrInvalidToken
	}
	if t.now().Unix() >= claims.Exp {
		return Identity{}, ErrExpiredToken
	}
	return Identity{UserID: claims.Sub, Email: claims.Email, Name: claims.Name}, nil
}

func (t *Tokens) sign(payload string) string {
	sum := hmac.New(sha256.New, t.secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
