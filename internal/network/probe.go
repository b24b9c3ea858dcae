package network

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Probe checks whether the sync server is actually reachable. A nil error
// means reachable.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

// Check calls f(ctx).
func (f ProbeFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// HTTPProbe issues a HEAD request against URL. Any response below 500
// counts as reachable; captive portals and gateways answering 5xx do not.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe creates an HTTPProbe with the given request timeout.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.URL, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: HTTP %d", p.URL, resp.StatusCode)
	}
	return nil
}
