package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPProbe issues an HTTP request and succeeds iff the response status is
// in the configured set (default 2xx) and, if configured, the body contains
// expected_content. config keys: "url" (required), "method"
// (default GET), "expected_status_codes" (comma-separated, default "2xx"),
// "expected_content" (optional substring), "header.<Name>" entries become
// request headers.
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe constructs an HTTP liveness probe. The client has no Timeout
// of its own; each Check bounds its request with a derived context deadline,
// so a shared client is safe to reuse.
func NewHTTPProbe() *HTTPProbe {
	return &HTTPProbe{client: &http.Client{}}
}

func (p *HTTPProbe) Check(ctx context.Context, config map[string]string, timeout time.Duration) Result {
	start := time.Now()
	url := config["url"]
	if url == "" {
		return Result{Err: fmt.Errorf("http probe: config.url is required")}
	}
	method := config["method"]
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("http probe: building request: %w", err)}
	}
	for key, value := range config {
		const prefix = "header."
		if strings.HasPrefix(key, prefix) {
			req.Header.Set(strings.TrimPrefix(key, prefix), value)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Healthy: false, Latency: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	if !statusAccepted(resp.StatusCode, config["expected_status_codes"]) {
		return Result{
			Healthy: false,
			Latency: time.Since(start),
			Err:     fmt.Errorf("http probe: unexpected status %d", resp.StatusCode),
		}
	}

	expectedContent := config["expected_content"]
	if expectedContent != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Result{Healthy: false, Latency: time.Since(start), Err: fmt.Errorf("http probe: reading body: %w", err)}
		}
		if !bytes.Contains(body, []byte(expectedContent)) {
			return Result{
				Healthy: false,
				Latency: time.Since(start),
				Err:     fmt.Errorf("http probe: response body missing expected content"),
			}
		}
	}

	return Result{Healthy: true, Latency: time.Since(start)}
}

// statusAccepted parses a comma-separated list of status codes or "NxX"
// class wildcards (e.g. "2xx", "404"); an empty spec defaults to 2xx.
func statusAccepted(status int, spec string) bool {
	if spec == "" {
		spec = "2xx"
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if len(part) == 3 && strings.HasSuffix(part, "xx") {
			class, err := strconv.Atoi(part[:1])
			if err == nil && status/100 == class {
				return true
			}
			continue
		}
		if code, err := strconv.Atoi(part); err == nil && code == status {
			return true
		}
	}
	return false
}
