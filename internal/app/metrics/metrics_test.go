package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                   "/",
		"/":                  "/",
		"/healthz":           "/healthz",
		"/raffle":            "/raffle",
		"/raffle/enter":      "/raffle/enter",
		"/raffle/players/12": "/raffle/players/:index",
		"/balances/0xabc":    "/balances/:address",
		"/events/ws":         "/events/ws",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRecordDrawAddsPayoutOnlyWhenPaid(t *testing.T) {
	RecordDraw("metrics-test", "transfer_failed", uint256.NewInt(500))
	RecordDraw("metrics-test", "paid", uint256.NewInt(300))

	if got := testutil.ToFloat64(payouts.WithLabelValues("metrics-test")); got != 300 {
		t.Fatalf("expected payout total 300, got %v", got)
	}
	if got := testutil.ToFloat64(draws.WithLabelValues("metrics-test", "paid")); got != 1 {
		t.Fatalf("expected one paid draw, got %v", got)
	}
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raffle/players/3", nil))

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/raffle/players/:index", "418")); got != 1 {
		t.Fatalf("expected one counted request, got %v", got)
	}

	out := httptest.NewRecorder()
	Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(out.Body.String(), "raffle_http_requests_total") {
		t.Fatalf("expected exposition to include request counter")
	}
}
