// Package captoken mints and verifies the signed capability tokens that
// authorize every call through the fabric. Tokens are HMAC-SHA256 signed
// compact envelopes scoped to a single tenant; they carry capabilities and
// constraints, never secrets. All other packages treat token strings as
// opaque and go through this codec.
package captoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gatetower/gatetower/internal/fabric"
)

const (
	// DefaultTTL applies when Mint is called with a zero ttl.
	DefaultTTL = time.Hour
	// ClockSkew is tolerated on both iat and exp during verification.
	ClockSkew = 60 * time.Second

	headerAlg  = "HS256"
	headerType = "GTCT"
)

// Capability grants bounded authority over a resource path. Resource strings
// follow <category>:<name>[:<action>]; a trailing '*' segment is a prefix
// wildcard.
type Capability struct {
	Resource    string         `json:"resource"`
	Actions     []string       `json:"actions"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

// Claims is the token payload. Constraints is a flat object; numeric values
// arrive as JSON numbers and are read through IntConstraint.
type Claims struct {
	Sub          string         `json:"sub"`
	TenantID     string         `json:"tenant_id"`
	APIKeyID     string         `json:"api_key_id,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	Capabilities []Capability   `json:"capabilities"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	RateLimits   map[string]int `json:"rate_limits,omitempty"`
	IssuedAt     int64          `json:"iat"`
	ExpiresAt    int64          `json:"exp"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// NewClaims builds the minimal claim set for Mint. Callers enrich the result
// with key id, scope, and rate limits before minting where applicable.
func NewClaims(subject, tenant string, caps []Capability, constraints map[string]any) Claims {
	return Claims{
		Sub:          subject,
		TenantID:     tenant,
		Capabilities: caps,
		Constraints:  constraints,
	}
}

// Codec signs and verifies capability tokens with per-tenant keys.
type Codec struct {
	keys *KeyRing
	now  func() time.Time
}

// NewCodec creates a codec over the given key ring.
func NewCodec(keys *KeyRing) *Codec {
	return &Codec{keys: keys, now: time.Now}
}

// WithClock overrides the codec's clock. Test hook.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Mint signs claims into a compact token string. iat is set to now and exp
// to now+ttl (DefaultTTL when ttl is zero). Sub and TenantID are required.
func (c *Codec) Mint(claims Claims, ttl time.Duration) (string, error) {
	const op = "captoken.Mint"
	if claims.Sub == "" {
		return "", fabric.E(fabric.KindInvalidInput, op, "subject is required")
	}
	if claims.TenantID == "" {
		return "", fabric.E(fabric.KindInvalidInput, op, "tenant is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.now().UTC()
	claims.IssuedAt = now.Unix()
	claims.ExpiresAt = now.Add(ttl).Unix()

	headJSON, err := json.Marshal(header{Alg: headerAlg, Typ: headerType})
	if err != nil {
		return "", fabric.E(fabric.KindInvalidInput, op, err)
	}
	bodyJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fabric.E(fabric.KindInvalidInput, op, err)
	}
	head := base64.RawURLEncoding.EncodeToString(headJSON)
	body := base64.RawURLEncoding.EncodeToString(bodyJSON)
	sig := c.sign(claims.TenantID, head+"."+body)
	return head + "." + body + "." + sig, nil
}

// Verify parses a token string, checks its signature against the tenant key
// named inside, and enforces the expiry window with ClockSkew tolerance.
func (c *Codec) Verify(token string) (*Claims, error) {
	const op = "captoken.Verify"
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token")
	}
	headJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token", err)
	}
	var h header
	if err := json.Unmarshal(headJSON, &h); err != nil || h.Alg != headerAlg || h.Typ != headerType {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token")
	}
	bodyJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token", err)
	}
	var claims Claims
	if err := json.Unmarshal(bodyJSON, &claims); err != nil {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token", err)
	}
	if claims.TenantID == "" {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token")
	}

	expected := c.sign(claims.TenantID, parts[0]+"."+parts[1])
	sigBytes, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token", err)
	}
	expectedBytes, _ := hex.DecodeString(expected)
	if !hmac.Equal(sigBytes, expectedBytes) {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Invalid capability token")
	}

	now := c.now().UTC()
	if now.After(time.Unix(claims.ExpiresAt, 0).Add(ClockSkew)) {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Token expired")
	}
	if time.Unix(claims.IssuedAt, 0).Add(-ClockSkew).After(now) {
		return nil, fabric.E(fabric.KindInvalidToken, op, "Token not yet valid")
	}
	return &claims, nil
}

func (c *Codec) sign(tenant, payload string) string {
	mac := hmac.New(sha256.New, c.keys.KeyFor(tenant))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Match reports whether a held capability resource string grants required.
// Exact equality matches; a held string ending in '*' prefix-matches
// required after stripping the star; nothing else matches.
func Match(held, required string) bool {
	if held == required {
		return true
	}
	if strings.HasSuffix(held, "*") {
		return strings.HasPrefix(required, strings.TrimSuffix(held, "*"))
	}
	return false
}

// HasCapability reports whether any capability in the claims grants the
// required resource string.
func (cl *Claims) HasCapability(required string) bool {
	for _, grant := range cl.Capabilities {
		if Match(grant.Resource, required) {
			return true
		}
	}
	return false
}

// AllowsAction reports whether a capability matching resource also grants
// action. Action entries use the same wildcard rule; an empty action list
// grants nothing.
func (cl *Claims) AllowsAction(resource, action string) bool {
	for _, grant := range cl.Capabilities {
		if !Match(grant.Resource, resource) {
			continue
		}
		for _, a := range grant.Actions {
			if Match(a, action) {
				return true
			}
		}
	}
	return false
}

// ConstraintFor returns the constraints attached to the first capability
// matching resource, or nil.
func (cl *Claims) ConstraintFor(resource string) map[string]any {
	for _, grant := range cl.Capabilities {
		if Match(grant.Resource, resource) {
			return grant.Constraints
		}
	}
	return nil
}

// IntConstraint reads an integer constraint from a flat constraint object,
// tolerating the float64 shape JSON decoding produces. Returns def when the
// key is absent or not numeric.
func IntConstraint(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
