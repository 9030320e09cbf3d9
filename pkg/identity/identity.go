// Package identity resolves the caller of a request from an HMAC-signed token.
//
// A token is "<base64url(claims json)>.<hex(hmac-sha256(claims json))>". The
// same token is accepted as a bearer header or as the sessionId query
// parameter of the streaming endpoint.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = errors.New("invalid identity token")
	ErrTokenExpired    = errors.New("identity token expired")
)

type Identity struct {
	ID        string `json:"sub"`
	Email     string `json:"email,omitempty"`
	Anonymous bool   `json:"anon,omitempty"`
}

type claims struct {
	Identity
	ExpiresAt int64 `json:"exp,omitempty"`
}

type Resolver interface {
	Resolve(ctx context.Context, sessionID string, bearer string) (Identity, error)
}

// HMACResolver verifies tokens against a set of signing keys. The first key
// signs, every key verifies, which allows rotating keys.
type HMACResolver struct {
	keys [][]byte
	now  func() time.Time
}

var _ Resolver = &HMACResolver{}

func NewHMACResolver(keys ...string) (*HMACResolver, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	r := &HMACResolver{now: time.Now}
	for _, k := range keys {
		if k == "" {
			return nil, errors.New("empty signing key")
		}
		r.keys = append(r.keys, []byte(k))
	}
	return r, nil
}

func sign(key []byte, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign issues a token for id. A zero ttl never expires.
func (r *HMACResolver) Sign(id Identity, ttl time.Duration) (string, error) {
	if id.ID == "" {
		return "", errors.New("identity id is required")
	}
	c := claims{Identity: id}
	if ttl > 0 {
		c.ExpiresAt = r.now().Add(ttl).Unix()
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload) + "." + sign(r.keys[0], payload), nil
}

func (r *HMACResolver) Verify(token string) (Identity, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return Identity{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Identity{}, errors.Wrap(ErrInvalidToken, "bad encoding")
	}

	valid := false
	for _, k := range r.keys {
		if hmac.Equal([]byte(sign(k, payload)), []byte(sig)) {
			valid = true
			break
		}
	}
	if !valid {
		return Identity{}, errors.Wrap(ErrInvalidToken, "bad signature")
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Identity{}, errors.Wrap(ErrInvalidToken, "bad claims")
	}
	if c.ID == "" {
		return Identity{}, errors.Wrap(ErrInvalidToken, "missing subject")
	}
	if c.ExpiresAt > 0 && r.now().Unix() > c.ExpiresAt {
		return Identity{}, ErrTokenExpired
	}
	return c.Identity, nil
}

// Resolve prefers the bearer token and falls back to the session id.
func (r *HMACResolver) Resolve(_ context.Context, sessionID string, bearer string) (Identity, error) {
	token := strings.TrimSpace(bearer)
	if token == "" {
		token = strings.TrimSpace(sessionID)
	}
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	return r.Verify(token)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.ID != ""
}
