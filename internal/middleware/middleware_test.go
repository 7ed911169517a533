package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, nil)
	h := rl.Handler(okHandler)

	hit := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/raffle/enter", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, hit("10.0.0.1:1000"))
	require.Equal(t, http.StatusOK, hit("10.0.0.1:1001"))
	require.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:1002"))
	require.Equal(t, http.StatusOK, hit("10.0.0.2:1000"))
}

func TestRateLimiterCleanupDropsIdle(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }
	rl.limiter("a")
	now = now.Add(11 * time.Minute)
	rl.limiter("b")
	require.Equal(t, 1, rl.Cleanup())
}

func TestOracleAuthAcceptsValidToken(t *testing.T) {
	caller := common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	token, err := IssueToken("s3cret", caller, time.Hour)
	require.NoError(t, err)

	auth := NewOracleAuth("s3cret", nil)
	var seen common.Address
	h := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/raffle/fulfill", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, caller, seen)
}

func TestOracleAuthRejectsBadTokens(t *testing.T) {
	caller := common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	auth := NewOracleAuth("s3cret", nil)
	h := auth.Handler(okHandler)

	wrongKey, err := IssueToken("other", caller, time.Hour)
	require.NoError(t, err)
	playerToken, err := IssuePlayerToken("s3cret", caller, time.Hour)
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		Audience:  jwt.ClaimStrings{AudienceOracle},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	notAddress, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  "oracle",
		Audience: jwt.ClaimStrings{AudienceOracle},
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":     "",
		"not bearer":  "Basic abc",
		"wrong key":   "Bearer " + wrongKey,
		"expired":     "Bearer " + expired,
		"not address": "Bearer " + notAddress,
		"player role": "Bearer " + playerToken,
	} {
		req := httptest.NewRequest(http.MethodPost, "/raffle/fulfill", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}
}

func TestPlayerAuthRejectsOracleTokens(t *testing.T) {
	player := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	auth := NewPlayerAuth("s3cret", nil)
	var seen common.Address
	h := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = CallerFromContext(r.Context())
	}))

	serve := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/raffle/enter", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	oracleToken, err := IssueToken("s3cret", player, time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serve(oracleToken))

	playerToken, err := IssuePlayerToken("s3cret", player, time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, serve(playerToken))
	require.Equal(t, player, seen)
}

func TestCORSPreflightAllowsBearerToken(t *testing.T) {
	called := false
	h := CORS([]string{"https://app.raffle.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/raffle/enter", nil)
	req.Header.Set("Origin", "https://app.raffle.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.False(t, called, "preflight must not reach the API")
	require.Equal(t, "https://app.raffle.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
	require.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSRejectsUnknownOrigins(t *testing.T) {
	h := CORS([]string{"https://app.raffle.example"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/raffle", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/raffle", nil)
	req.Header.Set("Origin", "https://app.raffle.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "https://app.raffle.example", rec.Header().Get("Access-Control-Allow-Origin"))
	require.True(t, strings.EqualFold(requestIDHeader, rec.Header().Get("Access-Control-Expose-Headers")))
}

func TestOriginMatcher(t *testing.T) {
	m := NewOriginMatcher([]string{"https://Wallet.example/", ".raffle.example", " "})
	cases := map[string]bool{
		"https://wallet.example":           true,
		"https://app.raffle.example":       true,
		"http://app.raffle.example:3000":   true,
		"https://raffle.example.evil.test": false,
		"https://other.example":            false,
		"":                                 false,
	}
	for origin, want := range cases {
		require.Equal(t, want, m.Allows(origin), origin)
	}

	require.False(t, NewOriginMatcher(nil).Allows("https://wallet.example"))
	require.True(t, NewOriginMatcher([]string{"*"}).Allows("https://anything.example"))
}

func TestRequestLoggerSetsID(t *testing.T) {
	h := NewRequestLogger(nil).Handler(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
