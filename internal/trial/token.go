package trial

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/config"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenIssuer = "bookshelf-trial"
	hkdfInfo    = "bookshelf trial token v1"
)

var (
	ErrInvalidToken = errors.New("invalid_trial_token")
	ErrInvalidUser  = errors.New("invalid_user")
)

type Claims struct {
	StartedAt       int64 `json:"trial_started_at"`
	DurationSeconds int64 `json:"trial_duration"`
	jwt.RegisteredClaims
}

// Token is an issued trial grant.
type Token struct {
	Value     string    `json:"token"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer signs and verifies trial tokens with HS256.
type Issuer struct {
	key    []byte
	clock  clock.Clock
	policy *config.StorefrontPolicyHolder
}

func NewIssuer(key []byte, clk clock.Clock, policy *config.StorefrontPolicyHolder) *Issuer {
	return &Issuer{key: key, clock: clk, policy: policy}
}

// Provide derives the signing key. TRIAL_TOKEN_SECRET wins; otherwise the key is expanded
// from AUTH_JWT_SECRET with HKDF so identity tokens and trial tokens never share a key.
func Provide(cfg config.Config, clk clock.Clock, policy *config.StorefrontPolicyHolder, log *zap.Logger) (*Issuer, error) {
	key, err := deriveKey(cfg.TrialTokenSecret, cfg.AuthJWTSecret)
	if err != nil {
		return nil, err
	}
	if key == nil {
		if cfg.IsProduction() {
			return nil, errors.New("trial token secret is required in production")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		log.Warn("trial token secret not configured, using ephemeral key")
	}
	return NewIssuer(key, clk, policy), nil
}

func deriveKey(trialSecret, authSecret string) ([]byte, error) {
	if secret := strings.TrimSpace(trialSecret); secret != "" {
		return []byte(secret), nil
	}
	secret := strings.TrimSpace(authSecret)
	if secret == "" {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive trial key: %w", err)
	}
	return key, nil
}

// Issue starts a trial for userID now.
func (i *Issuer) Issue(userID string) (Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Token{}, ErrInvalidUser
	}

	now := i.clock.Now().UTC()
	window := NewWindow(now, i.policy.Get().TrialDuration())

	claims := Claims{
		StartedAt:       window.StartedAt.Unix(),
		DurationSeconds: int64(window.Duration / time.Second),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(window.ExpiresAt()),
			ID:        ulid.Make().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, StartedAt: window.StartedAt, ExpiresAt: window.ExpiresAt()}, nil
}

// Verify returns the window carried by a token issued to userID. Expired tokens are rejected.
func (i *Issuer) Verify(token, userID string) (Window, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Window{}, ErrInvalidToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(userID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil || !parsed.Valid {
		return Window{}, ErrInvalidToken
	}
	if claims.DurationSeconds <= 0 {
		return Window{}, ErrInvalidToken
	}
	return NewWindow(time.Unix(claims.StartedAt, 0), time.Duration(claims.DurationSeconds)*time.Second), nil
}
