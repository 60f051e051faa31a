package conditions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// DataProvider fetches the value of an unresolved condition variable from an
// external data source. The returned string is bound as a structured value
// when it parses as JSON and as an opaque string otherwise.
type DataProvider interface {
	Fetch(ctx context.Context, urlTemplate, instanceID string, instanceData, stateData map[string]any) (string, error)
}

// InstanceIDToken is the placeholder replaced with the instance ID in
// data-provider URL templates.
const InstanceIDToken = "{instanceId}"

const (
	defaultFetchTimeout    = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
)

// HTTPDataProvider is the default DataProvider: it substitutes the instance
// ID into the URL template and issues a GET request with a bounded timeout.
type HTTPDataProvider struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPDataProvider creates an HTTPDataProvider. A nil client falls back
// to http.DefaultClient; a non-positive timeout gets a 30s default.
func NewHTTPDataProvider(client *http.Client, timeout time.Duration) *HTTPDataProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPDataProvider{client: client, timeout: timeout}
}

// Fetch resolves the URL template and returns the response body as a string.
// Non-2xx responses are transport errors.
func (p *HTTPDataProvider) Fetch(ctx context.Context, urlTemplate, instanceID string, instanceData, stateData map[string]any) (string, error) {
	url := strings.ReplaceAll(urlTemplate, InstanceIDToken, instanceID)

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransport, "build data fetch request for %q", url).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransport, "data fetch failed for %q: %v", url, err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransport, "read data fetch response from %q", url).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", schema.NewErrorf(schema.ErrCodeTransport,
			"data fetch for %q returned %d", url, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode, "body": truncate(string(body), 512)})
	}

	return string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

var _ DataProvider = (*HTTPDataProvider)(nil)
