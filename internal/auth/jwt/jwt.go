package jwt

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer    = "keyrelay"
	minKeyLen = 32
)

var (
	ErrSecretMissing  = errors.New("agent token secret is not configured")
	ErrSecretTooShort = fmt.Errorf("agent token secret must be at least %d characters", minKeyLen)
	ErrNoTTL          = errors.New("agent token ttl must be positive")
	ErrNoAgent        = errors.New("agent name is required")
	ErrUnknownScope   = errors.New("unknown scope")
	ErrTokenExpired   = errors.New("agent token has expired")
	ErrTokenRejected  = errors.New("agent token rejected")
)

// Scope grants one group of API routes
type Scope string

const (
	// ScopeLogs reads the exchange log
	ScopeLogs Scope = "logs"
	// ScopeClear resets the log and the manifest registry
	ScopeClear Scope = "clear"
	// ScopeChannel posts page messages on the channel
	ScopeChannel Scope = "channel"
)

// AllScopes is what a token issued without explicit scopes carries
var AllScopes = []Scope{ScopeLogs, ScopeClear, ScopeChannel}

// ParseScope accepts the names used on the command line
func ParseScope(s string) (Scope, error) {
	sc := Scope(s)
	if !slices.Contains(AllScopes, sc) {
		return "", fmt.Errorf("%w %q", ErrUnknownScope, s)
	}
	return sc, nil
}

// AgentClaims identify a remote harness or tool calling the HTTP API. The
// agent name travels as the subject.
type AgentClaims struct {
	Scopes []Scope `json:"scp"`
	jwt.RegisteredClaims
}

func (c *AgentClaims) Agent() string {
	return c.Subject
}

// Allows reports whether the token grants s
func (c *AgentClaims) Allows(s Scope) bool {
	return slices.Contains(c.Scopes, s)
}

// Authority signs and verifies HS256 agent tokens with one shared secret
type Authority struct {
	key    []byte
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

func NewAuthority(secret string, ttl time.Duration) (*Authority, error) {
	switch {
	case secret == "":
		return nil, ErrSecretMissing
	case len(secret) < minKeyLen:
		return nil, ErrSecretTooShort
	case ttl <= 0:
		return nil, ErrNoTTL
	}
	a := &Authority{key: []byte(secret), ttl: ttl, now: time.Now}
	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return a.now() }),
	)
	return a, nil
}

// Issue signs a token for agent and returns it with its expiry. No scopes
// means every scope.
func (a *Authority) Issue(agent string, scopes ...Scope) (string, time.Time, error) {
	if agent == "" {
		return "", time.Time{}, ErrNoAgent
	}
	if len(scopes) == 0 {
		scopes = AllScopes
	}
	for _, s := range scopes {
		if _, err := ParseScope(string(s)); err != nil {
			return "", time.Time{}, err
		}
	}

	now := a.now()
	exp := now.Add(a.ttl)
	claims := &AgentClaims{
		Scopes: slices.Compact(slices.Sorted(slices.Values(scopes))),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   agent,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign agent token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, issuer and lifetime and returns the claims
func (a *Authority) Verify(token string) (*AgentClaims, error) {
	claims := &AgentClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: no agent", ErrTokenRejected)
	}
	return claims, nil
}
