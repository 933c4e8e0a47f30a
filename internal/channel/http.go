package channel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pitabwire/workorder/internal/observability"
)

const maxResponseBody = 64 << 10

// newHTTPClient returns a client for one provider. The dispatcher also
// bounds every attempt with its own context deadline.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// postJSON sends body to url and returns the response body of a 2xx reply.
// Other statuses are classified by statusFailure.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers http.Header, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Fatalf("%s: build request: %w", provider, err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, sanitizeHeader(v))
		}
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportFailure(provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusFailure(provider, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
