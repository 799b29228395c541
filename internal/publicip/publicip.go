/*
Package publicip looks up this host's public address.

The lookup is best-effort metadata enrichment: callers bound it with a
timeout and carry on without a value when it fails.
*/
package publicip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// DefaultURL returns the caller's address as plain text.
const DefaultURL = "https://api.ipify.org"

// maxBody caps how much of the response is read; an address is tiny.
const maxBody = 256

// Fetcher returns the public IP address of this host.
// This is a function type to allow injection of test doubles.
type Fetcher func(ctx context.Context) (string, error)

// HTTPFetcher returns a Fetcher that GETs url and expects a bare IP address
// in the response body. timeout bounds each request on top of any deadline
// carried by the context.
func HTTPFetcher(url string, timeout time.Duration) Fetcher {
	client := &http.Client{
		Timeout: timeout,
	}

	return func(ctx context.Context) (string, error) {
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return "", fmt.Errorf("fetch public ip %s: only http:// and https:// URLs are supported", url)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return "", fmt.Errorf("fetch public ip %s: %w", url, err)
		}

		resp, err := client.Do(req) //nolint:gosec // URL comes from operator config, validated above
		if err != nil {
			return "", fmt.Errorf("fetch public ip %s: %w", url, err)
		}
		defer resp.Body.Close() //nolint:errcheck // response body close in defer

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch public ip %s: status %d", url, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return "", fmt.Errorf("fetch public ip %s: %w", url, err)
		}

		raw := strings.TrimSpace(string(body))
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return "", fmt.Errorf("fetch public ip %s: unexpected response %q", url, raw)
		}
		return addr.String(), nil
	}
}

// Lookup calls f bounded by timeout. A nil Fetcher yields "" and no error.
func Lookup(ctx context.Context, f Fetcher, timeout time.Duration) (string, error) {
	if f == nil {
		return "", nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f(ctx)
}
