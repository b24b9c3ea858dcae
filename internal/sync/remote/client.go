package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fieldops/fieldsync/internal/errors"
	"github.com/fieldops/fieldsync/internal/logging"
	"github.com/fieldops/fieldsync/internal/models"
	"github.com/fieldops/fieldsync/internal/telemetry"
)

// DefaultRoutes maps the built-in operation kinds to endpoint paths.
func DefaultRoutes() map[string]string {
	return map[string]string{
		models.KindRecordCreate:  "records",
		models.KindRecordUpdate:  "records",
		models.KindRecordDelete:  "records",
		models.KindPhotoAttach:   "photos",
		models.KindCounterUpdate: "counters",
	}
}

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// Config holds client settings.
type Config struct {
	BaseURL string
	Token   string
	// Routes maps operation kind to endpoint path. Kinds not listed are
	// rejected with a validation error.
	Routes         map[string]string
	RequestTimeout time.Duration
	Transport      http.RoundTripper
}

// Client talks to the REST server.
type Client struct {
	baseURL string
	token   string
	routes  map[string]string
	timeout time.Duration
	http    *http.Client
}

// NewClient creates a Client. The transport is instrumented with
// OpenTelemetry.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ErrValidation, "invalid api base url %q", cfg.BaseURL)
	}
	routes := cfg.Routes
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		routes:  routes,
		timeout: timeout,
		http:    &http.Client{Transport: telemetry.Transport(cfg.Transport)},
	}, nil
}

// Send dispatches req and decodes the acknowledgement.
func (c *Client) Send(ctx context.Context, req *Request) (*Ack, error) {
	base, err := c.route(req.Kind)
	if err != nil {
		return nil, err
	}

	var method, endpoint string
	var body []byte
	switch req.Action {
	case models.ActionCreate:
		method, endpoint, body = http.MethodPost, base, req.Payload
	case models.ActionUpdate:
		if req.ServerID == "" {
			return nil, errors.Newf(errors.ErrValidation, "update of %s without server id", req.OperationID)
		}
		method, endpoint, body = http.MethodPut, base+"/"+url.PathEscape(req.ServerID), req.Payload
	case models.ActionDelete:
		if req.ServerID == "" {
			return nil, errors.Newf(errors.ErrValidation, "delete of %s without server id", req.OperationID)
		}
		method, endpoint = http.MethodDelete, base+"/"+url.PathEscape(req.ServerID)
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown action %q", req.Action)
	}

	resp, err := c.do(ctx, method, endpoint, body, req.OperationID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Network("read response", resp.StatusCode, err)
	}

	if resp.StatusCode == http.StatusConflict {
		var conflict struct {
			Existing *RemoteRecord `json:"existing"`
		}
		if err := json.Unmarshal(data, &conflict); err != nil || conflict.Existing == nil {
			return nil, errors.Validation(fmt.Sprintf("HTTP 409: %s", truncate(data)), resp.StatusCode)
		}
		return &Ack{
			ServerID:  conflict.Existing.ServerID,
			UpdatedAt: conflict.Existing.UpdatedAt,
			Existing:  conflict.Existing,
		}, nil
	}
	if err := classify(resp.StatusCode, data); err != nil {
		return nil, err
	}

	ack := &Ack{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, ack); err != nil {
			return nil, errors.Validation(fmt.Sprintf("malformed ack: %v", err), resp.StatusCode)
		}
	}
	if ack.ServerID == "" {
		ack.ServerID = req.ServerID
	}
	if req.Action != models.ActionDelete && ack.ServerID == "" {
		return nil, errors.Validation("ack without serverId", resp.StatusCode)
	}
	return ack, nil
}

// Fetch returns the server's current version of a record.
func (c *Client) Fetch(ctx context.Context, kind, serverID string) (*RemoteRecord, error) {
	base, err := c.route(kind)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, base+"/"+url.PathEscape(serverID), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Network("read response", resp.StatusCode, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Newf(errors.ErrNotFound, "remote %s/%s not found", kind, serverID)
	}
	if err := classify(resp.StatusCode, data); err != nil {
		return nil, err
	}

	rec := &RemoteRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, errors.Validation(fmt.Sprintf("malformed record: %v", err), resp.StatusCode)
	}
	if rec.ServerID == "" {
		rec.ServerID = serverID
	}
	if rec.Kind == "" {
		rec.Kind = kind
	}
	return rec, nil
}

func (c *Client) route(kind string) (string, error) {
	path, ok := c.routes[kind]
	if !ok {
		return "", errors.Newf(errors.ErrValidation, "no route for operation kind %q", kind)
	}
	return c.baseURL + "/" + strings.Trim(path, "/"), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, idempotencyKey models.UUID) (*http.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		cancel()
		return nil, errors.Wrap(errors.ErrValidation, "build request", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", string(idempotencyKey))
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.Wrap(errors.ErrTimeout, fmt.Sprintf("%s %s timed out after %s", method, endpoint, c.timeout), err)
		}
		return nil, errors.Network(fmt.Sprintf("%s %s", method, endpoint), 0, err)
	}

	logging.Debug("Remote call", map[string]interface{}{
		"method":      method,
		"url":         endpoint,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// classify maps a non-2xx status onto the error taxonomy.
func classify(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Network(fmt.Sprintf("HTTP %d: %s", status, truncate(body)), status, nil)
	default:
		return errors.Validation(fmt.Sprintf("HTTP %d: %s", status, truncate(body)), status)
	}
}

// truncate shortens body to at most maxErrorBody bytes without splitting
// a UTF-8 sequence.
func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// cancelOnClose releases the per-call timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
