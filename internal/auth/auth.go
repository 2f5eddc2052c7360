package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Issuer  string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// TokenAuthenticator accepts a fixed set of bearer tokens, each bound to a
// subject. An empty set rejects every request.
type TokenAuthenticator struct {
	Tokens map[string]string
}

func NewDevTokenAuthenticator(token string) *TokenAuthenticator {
	a := &TokenAuthenticator{Tokens: map[string]string{}}
	if token != "" {
		a.Tokens[token] = "dev"
	}
	return a
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	for token, subject := range a.Tokens {
		if subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) == 1 {
			return Claims{Subject: subject, Issuer: "factory-dev"}, nil
		}
	}
	return Claims{}, ErrInvalidToken
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
