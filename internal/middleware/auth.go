package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/raffle/pkg/logger"
)

type contextKey string

const callerKey contextKey = "authenticated_caller"

// Token audiences. A token minted for one role is rejected by the other.
const (
	AudienceOracle = "raffle-oracle"
	AudiencePlayer = "raffle-player"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid bearer token")

// Claims identify an authenticated address. Subject holds the address and
// Audience the role it may act in.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenAuth authenticates one role with HS256 bearer tokens.
type TokenAuth struct {
	secret   []byte
	audience string
	log      *logger.Logger
}

// NewOracleAuth authenticates callers of the fulfilment endpoint.
func NewOracleAuth(secret string, log *logger.Logger) *TokenAuth {
	if log == nil {
		log = logger.NewDefault("oracle-auth")
	}
	return &TokenAuth{secret: []byte(secret), audience: AudienceOracle, log: log}
}

// NewPlayerAuth authenticates players paying for entries.
func NewPlayerAuth(secret string, log *logger.Logger) *TokenAuth {
	if log == nil {
		log = logger.NewDefault("player-auth")
	}
	return &TokenAuth{secret: []byte(secret), audience: AudiencePlayer, log: log}
}

// IssueToken mints an oracle token naming caller, valid for ttl.
func IssueToken(secret string, caller common.Address, ttl time.Duration) (string, error) {
	return issue(secret, AudienceOracle, caller, ttl)
}

// IssuePlayerToken mints a player token naming player, valid for ttl.
func IssuePlayerToken(secret string, player common.Address, ttl time.Duration) (string, error) {
	return issue(secret, AudiencePlayer, player, ttl)
}

func issue(secret, audience string, subject common.Address, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%s secret is required", audience)
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  subject.Hex(),
		Audience: jwt.ClaimStrings{audience},
		IssuedAt: jwt.NewNumericDate(now),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify parses a token and returns the address it names.
func (a *TokenAuth) Verify(tokenString string) (common.Address, error) {
	if len(a.secret) == 0 {
		return common.Address{}, fmt.Errorf("%w: no secret configured", ErrInvalidToken)
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithAudience(a.audience))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return common.Address{}, ErrInvalidToken
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("%w: subject is not an address", ErrInvalidToken)
	}
	return common.HexToAddress(claims.Subject), nil
}

// Handler requires a valid bearer token and stores the caller in the context.
func (a *TokenAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(w, "missing bearer token")
			return
		}
		caller, err := a.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			a.log.WithError(err).
				WithField("path", r.URL.Path).
				WithField("audience", a.audience).
				Warn("authentication failed")
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// WithCaller stores the authenticated caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext returns the authenticated caller, if any.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey).(common.Address)
	return caller, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
