package identity

import (
	"context"
	"os"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Resolver validates a bearer credential and resolves the bound identity.
type Resolver interface {
	Resolve(ctx context.Context, token string, now time.Time) (Identity, error)
}

// Config defines runtime configuration for the PASETO resolver.
type Config struct {
	// Issuer is the expected "iss" claim of access tokens.
	Issuer string

	// ClockSkew is the allowed time skew during token validation.
	ClockSkew time.Duration

	// PublicKeyHex is the hex-encoded Ed25519 public key used to verify
	// PASETO v4.public access tokens. Issued by the platform's auth service.
	PublicKeyHex string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:    "parley",
		ClockSkew: 30 * time.Second,
	}
}

// LoadConfigFromEnv loads resolver configuration from environment variables.
//
// Optional:
//   - PARLEY_AUTH_ISSUER
//   - PARLEY_AUTH_CLOCK_SKEW (Go duration)
//   - PARLEY_PASETO_PUBLIC_KEY_HEX (verification key; when absent the caller
//     may fall back to an ephemeral dev keypair)
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("PARLEY_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("PARLEY_AUTH_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}
	cfg.PublicKeyHex = strings.TrimSpace(os.Getenv("PARLEY_PASETO_PUBLIC_KEY_HEX"))

	return cfg, nil
}

// PasetoResolver verifies PASETO v4.public access tokens carrying the
// uid/tenant/role claims issued by the platform auth service.
type PasetoResolver struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewPasetoResolver constructs a resolver from config.
func NewPasetoResolver(cfg Config) (*PasetoResolver, error) {
	if cfg.PublicKeyHex == "" {
		return nil, ErrConfig
	}
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PublicKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &PasetoResolver{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
	}, nil
}

// Resolve verifies the token and extracts the bound identity.
func (r *PasetoResolver) Resolve(_ context.Context, token string, now time.Time) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	// Bound pathological inputs before handing them to the parser.
	if len(token) > 4096 {
		return Identity{}, ErrInvalidToken
	}

	// Validate slightly in the future to tolerate minor clock differences;
	// this also makes expiration checks slightly stricter.
	validNow := now.Add(r.clockSkew)

	// Fresh parser per call to avoid accumulating rules across verifies.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(r.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(r.public, token, nil)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return Identity{}, ErrInvalidToken
	}
	tenant, err := parsed.GetString("tenant")
	if err != nil || tenant == "" {
		return Identity{}, ErrInvalidToken
	}
	rawRole, err := parsed.GetString("role")
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	role, ok := ParseRole(rawRole)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: uid, TenantSlug: tenant, Role: role}, nil
}

// Issuer mints PASETO v4.public access tokens. The production issuer lives in
// the platform's auth service; this one exists for the dev token tool and tests.
type Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewIssuer constructs an Issuer from a hex-encoded Ed25519 secret key.
func NewIssuer(issuer, secretKeyHex string, ttl time.Duration) (*Issuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{issuer: issuer, ttl: ttl, secret: secret}, nil
}

// Issue signs a token for the given identity.
func (i *Issuer) Issue(id Identity, now time.Time) (string, time.Time, error) {
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", id.UserID)
	_ = tok.Set("tenant", id.TenantSlug)
	_ = tok.Set("role", string(id.Role))

	return tok.V4Sign(i.secret, nil), exp, nil
}

// PublicKeyHex exposes the verification key for the issuer's keypair.
func (i *Issuer) PublicKeyHex() string {
	return i.secret.Public().ExportHex()
}

// NewDevKeypair generates an ephemeral Ed25519 keypair for development runs
// where no verification key is configured.
func NewDevKeypair() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}
