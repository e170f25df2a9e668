package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/wager/internal/pkg/ledger"
)

const callerContextKey = "caller"

var (
	ErrMissingToken    = errors.New("missing bearer token")
	ErrInvalidToken    = errors.New("invalid caller token")
	ErrTokenTooOld     = errors.New("caller token is too old")
	ErrInvalidKey      = errors.New("invalid private key")
	ErrNoCallerInScope = errors.New("no authenticated caller")
)

// Claims carry the caller's own public key as the subject; the token is
// signed by the matching private key.
type Claims struct {
	jwt.RegisteredClaims
}

type Verifier struct {
	Audience string
	MaxAge   time.Duration
	Now      func() time.Time
}

func NewVerifier(i do.Injector) (*Verifier, error) {
	audience := do.MustInvokeNamed[string](i, "token-audience")
	tokenMaxAgeMinutes := do.MustInvokeNamed[int](i, "token-max-age-minutes")

	return &Verifier{
		Audience: audience,
		MaxAge:   time.Duration(tokenMaxAgeMinutes) * time.Minute,
		Now:      time.Now,
	}, nil
}

func GenerateKey() (ed25519.PrivateKey, ledger.Address, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, ledger.Address{}, fmt.Errorf("failed to generate key: %w", err)
	}

	addr, err := ledger.AddressFromPublicKey(pub)
	if err != nil {
		return nil, ledger.Address{}, err
	}

	return priv, addr, nil
}

// ParsePrivateKey accepts a hex encoded 32-byte seed or 64-byte private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidKey, len(b))
	}
}

func IssueToken(key ed25519.PrivateKey, audience string, ttl time.Duration, now time.Time) (string, error) {
	pub, ok := key.Public().(ed25519.PublicKey)
	if !ok {
		return "", ErrInvalidKey
	}

	addr, err := ledger.AddressFromPublicKey(pub)
	if err != nil {
		return "", err
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.String(),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Verify checks the token signature against the key named by its subject
// and returns that key as the caller's address.
func (v *Verifier) Verify(token string) (ledger.Address, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	var claims Claims

	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		addr, err := ledger.ParseAddress(claims.Subject)
		if err != nil {
			return nil, err
		}

		//nolint:wrapcheck
		return addr.VerifyingKey()
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(v.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if v.MaxAge > 0 {
		if claims.IssuedAt == nil || now().Sub(claims.IssuedAt.Time) > v.MaxAge {
			return ledger.Address{}, ErrTokenTooOld
		}
	}

	addr, err := ledger.ParseAddress(claims.Subject)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	return addr, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's address on the context.
func (v *Verifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)

			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || len(token) == 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrMissingToken.Error())
			}

			addr, err := v.Verify(strings.TrimSpace(token))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid caller token")
			}

			c.Set(callerContextKey, addr)

			return next(c)
		}
	}
}

func Caller(c echo.Context) (ledger.Address, error) {
	addr, ok := c.Get(callerContextKey).(ledger.Address)
	if !ok || addr.IsZero() {
		return ledger.Address{}, ErrNoCallerInScope
	}

	return addr, nil
}
