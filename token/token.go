// Package token implements the stateless session tokens issued on
// successful room authentication. Tokens are compact JWTs signed with
// Ed25519, so the relay only needs the public half of the key pair to
// verify a token presented on reconnection.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// The two expiry classes of a session token.
const (
	DefaultExpiry  = 12 * time.Hour
	LongLifeExpiry = 30 * 24 * time.Hour
)

// Errors returned by Verify. ErrExpired means the token was genuinely
// issued by this relay but its expiry has passed, so callers may treat
// it as "needs re-login" rather than hostile.
var (
	ErrExpired      = errors.New("token: token expired")
	ErrInvalid      = errors.New("token: invalid token")
	ErrNoPermission = errors.New("token: no room permission")
)

// Claims is the payload of a session token.
type Claims struct {
	Room      string `json:"room"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

var header = func() string {
	b, _ := json.Marshal(map[string]string{"alg": "EdDSA", "typ": "JWT"})
	return base64.RawURLEncoding.EncodeToString(b)
}()

// Service signs and verifies session tokens. The zero value is ready
// to use. Now can be set to control the clock in tests, it defaults to
// time.Now.
type Service struct {
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue signs a token binding the bearer to room. The token expires
// after DefaultExpiry, or LongLifeExpiry if longLife is true.
func (s *Service) Issue(key ed25519.PrivateKey, room string, longLife bool) (string, error) {
	ttl := DefaultExpiry
	if longLife {
		ttl = LongLifeExpiry
	}

	now := s.now()
	claims := Claims{
		Room:      room,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := header + "." + base64.RawURLEncoding.EncodeToString(payload)
	sig := ed25519.Sign(key, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the signature and expiry of tok against the public
// key. It returns ErrInvalid for a malformed token, a bad signature or
// a wrong algorithm, ErrExpired for a well-signed token past its
// expiry, and ErrNoPermission for a valid token missing the room
// claim.
func (s *Service) Verify(key ed25519.PublicKey, tok string) (*Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, ErrInvalid
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalid
	}
	var hdr struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil || hdr.Alg != "EdDSA" {
		return nil, ErrInvalid
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalid
	}
	if !ed25519.Verify(key, []byte(parts[0]+"."+parts[1]), sig) {
		return nil, ErrInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalid
	}

	if claims.ExpiresAt > 0 && s.now().Unix() > claims.ExpiresAt {
		return nil, ErrExpired
	}
	if claims.Room == "" {
		return nil, ErrNoPermission
	}
	return &claims, nil
}
