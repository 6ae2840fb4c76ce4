package headers

import (
	"context"
	"net/http"
	"strings"
)

// Cache keeps the first set of GET request headers seen for each URL
type Cache interface {
	// Capture stores the filtered headers of a GET request unless the url
	// was already captured. It reports whether the headers were stored.
	Capture(ctx context.Context, method, url string, headers map[string]string) (bool, error)

	// Get returns the headers captured for url
	Get(ctx context.Context, url string) (map[string]string, bool, error)

	Close() error
}

// Filter drops the fingerprinting and per-request headers that would make a
// replayed request look different from the browser's. Matching is case
// sensitive, as the browser reports header names verbatim.
func Filter(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if denied(name) {
			continue
		}
		out[name] = value
	}
	return out
}

func denied(name string) bool {
	return strings.HasPrefix(name, "sec-ch-ua") ||
		strings.HasPrefix(name, "Sec-Fetch") ||
		strings.HasPrefix(name, "Accept-") ||
		strings.HasPrefix(name, "Host") ||
		name == "Connection"
}

func capturable(method string) bool {
	return method == http.MethodGet
}
