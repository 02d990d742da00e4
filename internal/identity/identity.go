package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrMissingToken  = errors.New("missing_token")
	ErrInvalidToken  = errors.New("invalid_token")
	ErrNotConfigured = errors.New("identity_not_configured")
)

const defaultRole = "customer"

// Identity is the caller as asserted by the storefront's identity provider.
type Identity struct {
	UserID string
	Role   string
}

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens issued by the identity provider.
type Verifier struct {
	key    []byte
	issuer string
	clock  clock.Clock
}

var Module = fx.Module("identity",
	fx.Provide(Provide),
)

func Provide(cfg config.Config, clk clock.Clock, log *zap.Logger) *Verifier {
	if strings.TrimSpace(cfg.AuthJWTSecret) == "" {
		log.Named("identity").Warn("AUTH_JWT_SECRET is empty, every authenticated request will be rejected")
	}
	return NewVerifier([]byte(cfg.AuthJWTSecret), cfg.AuthJWTIssuer, clk)
}

func NewVerifier(key []byte, issuer string, clk clock.Clock) *Verifier {
	return &Verifier{key: key, issuer: strings.TrimSpace(issuer), clock: clk}
}

// Verify parses a raw token (with or without the "Bearer " prefix).
func (v *Verifier) Verify(raw string) (Identity, error) {
	if len(v.key) == 0 {
		return Identity{}, ErrNotConfigured
	}
	token := strings.TrimSpace(raw)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		role = defaultRole
	}
	return Identity{UserID: userID, Role: role}, nil
}

// Issue signs a token for userID. Used by local tooling and tests; production tokens come
// from the identity provider.
func (v *Verifier) Issue(userID, role string, ttl time.Duration) (string, error) {
	if len(v.key) == 0 {
		return "", ErrNotConfigured
	}
	now := v.clock.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
