// Package static is a configuration-driven ZAP policy: a NULL allow flag,
// bcrypt-hashed PLAIN users and an allow list of CURVE client keys.
package static

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/hlandau/parazap/handler"
	"github.com/hlandau/parazap/zap"
)

// AnonymousUser is the user id given to allowed NULL peers.
const AnonymousUser = "anonymous"

type Config struct {
	// When set, requests for any other domain are refused.
	Domain string `mapstructure:"domain" yaml:"domain"`

	AllowNULL bool `mapstructure:"allow_null" yaml:"allow_null"`

	// Username to bcrypt hash. Usernames are case-insensitive, as
	// configuration keys are lower-cased on load.
	Users map[string]string `mapstructure:"users" yaml:"users,omitempty"`

	// Hex-encoded CURVE public key to user id.
	CurveKeys map[string]string `mapstructure:"curve_keys" yaml:"curve_keys,omitempty"`
}

type Policy struct {
	cfg       Config
	users     map[string]string // lower-cased username to hash
	curveKeys map[[32]byte]string
}

var _ handler.Policy = (*Policy)(nil)

// New checks the configured keys and hashes and returns the policy.
func New(cfg Config) (*Policy, error) {
	p := &Policy{
		cfg:       cfg,
		users:     make(map[string]string, len(cfg.Users)),
		curveKeys: make(map[[32]byte]string, len(cfg.CurveKeys)),
	}

	for name, hash := range cfg.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %q: invalid bcrypt hash: %w", name, err)
		}

		key := strings.ToLower(name)
		if _, dup := p.users[key]; dup {
			return nil, fmt.Errorf("user %q is configured more than once", key)
		}
		p.users[key] = hash
	}

	for keyHex, user := range cfg.CurveKeys {
		key, err := ParseKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("curve key for %q: %w", user, err)
		}
		p.curveKeys[key] = user
	}

	return p, nil
}

// ParseKey decodes a 32-byte key written as 64 hex digits.
func ParseKey(s string) (key [32]byte, err error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("key must be %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// HashPassword produces a hash suitable for Config.Users.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (p *Policy) Decide(ctx context.Context, req *zap.Request) handler.Decision {
	if p.cfg.Domain != "" && req.Domain != p.cfg.Domain {
		return handler.Deny(zap.StatusAuthFailure, "Unknown domain")
	}

	switch req.Mechanism {
	case "NULL":
		if !p.cfg.AllowNULL {
			return handler.Deny(zap.StatusAuthFailure, "NULL mechanism not allowed")
		}
		return handler.Allow(AnonymousUser)

	case "PLAIN":
		if len(req.Credentials) != 2 {
			return handler.Deny(zap.StatusAuthFailure, "Malformed credentials")
		}
		username := strings.ToLower(string(req.Credentials[0]))
		hash, ok := p.users[username]
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), req.Credentials[1]) != nil {
			return handler.Deny(zap.StatusAuthFailure, "Invalid username or password")
		}
		return handler.Allow(username)

	case "CURVE":
		var key [32]byte
		if len(req.Credentials) != 1 || len(req.Credentials[0]) != len(key) {
			return handler.Deny(zap.StatusAuthFailure, "Malformed client key")
		}
		copy(key[:], req.Credentials[0])
		user, ok := p.curveKeys[key]
		if !ok {
			return handler.Deny(zap.StatusAuthFailure, "Unknown client key")
		}
		return handler.Allow(user)

	default:
		return handler.Deny(zap.StatusAuthFailure, "Unsupported mechanism")
	}
}
