package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
)

// corsMaxAge is the preflight cache lifetime in seconds.
const corsMaxAge = 600

// OriginMatcher decides which browser origins may call the raffle API.
// Entries are exact origins, "*" for any origin, or a leading-dot suffix such
// as ".raffle.example" that matches every subdomain over any scheme.
type OriginMatcher struct {
	exact    map[string]struct{}
	suffixes []string
	any      bool
}

// NewOriginMatcher parses the configured allow-list. An empty list matches
// nothing, so cross-origin access stays off until configured.
func NewOriginMatcher(allowed []string) *OriginMatcher {
	m := &OriginMatcher{exact: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		origin := strings.TrimRight(strings.TrimSpace(raw), "/")
		switch {
		case origin == "":
		case origin == "*":
			m.any = true
		case strings.HasPrefix(origin, "."):
			m.suffixes = append(m.suffixes, strings.ToLower(origin))
		default:
			m.exact[strings.ToLower(origin)] = struct{}{}
		}
	}
	return m
}

// Allows reports whether origin may make cross-origin requests.
func (m *OriginMatcher) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if m.any {
		return true
	}
	origin = strings.ToLower(origin)
	if _, ok := m.exact[origin]; ok {
		return true
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// CORS returns gorilla/handlers CORS middleware for the allowed origins.
// Bearer tokens may be sent cross-origin and the request id is exposed.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	matcher := NewOriginMatcher(allowedOrigins)
	return handlers.CORS(
		handlers.AllowedOriginValidator(matcher.Allows),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
		handlers.MaxAge(corsMaxAge),
		handlers.OptionStatusCode(http.StatusNoContent),
	)
}
