// Package hat is a client for the HAT personal data store API: the data
// endpoints records are read from and written to, and the file API used for
// photo attachments.
package hat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dataswift/hatsync/resource"
)

const (
	// APIPrefix is the versioned path of the HAT API
	APIPrefix = "/api/v2.6"

	// TokenHeader carries the access token in both directions: the HAT may
	// answer any request with a renewed token in the same header.
	TokenHeader = "x-auth-token"

	// IdempotencyHeader carries the client mutation ID so the HAT can
	// recognise a replayed write.
	IdempotencyHeader = "X-Idempotency-Key"
)

// Record is a HAT data record as sent and returned by the data API
type Record struct {
	Endpoint string          `json:"endpoint"`
	RecordID string          `json:"recordId"`
	Data     json.RawMessage `json:"data"`
}

// Client talks to one HAT
type Client struct {
	http    *http.Client
	baseURL *url.URL
	creds   Credentials
	log     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBaseURL overrides the https://<domain> default, for tests and proxies
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if u, err := url.Parse(raw); err == nil {
			c.baseURL = u
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a client for the HAT at domain, e.g. "alice.hubofallthings.net"
func New(domain string, creds Credentials, opts ...Option) (*Client, error) {
	if domain == "" {
		return nil, errors.New("HAT domain required")
	}
	if creds == nil {
		return nil, errors.New("credentials required")
	}
	u, err := url.Parse("https://" + domain)
	if err != nil {
		return nil, fmt.Errorf("invalid HAT domain %q: %w", domain, err)
	}
	c := &Client{
		http:    http.DefaultClient,
		baseURL: u,
		creds:   creds,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Domain returns the HAT host name, used as the author phata of new records
func (c *Client) Domain() string { return c.baseURL.Host }

// Fetch reads records of namespace/endpoint. q carries HAT query parameters
// such as orderBy, ordering, take and skip.
func (c *Client) Fetch(ctx context.Context, namespace, endpoint string, q map[string]string) ([]Record, error) {
	var out []Record
	p := path.Join(APIPrefix, "data", namespace, endpoint)
	if err := c.doJSON(ctx, "fetch "+namespace+"/"+endpoint, http.MethodGet, p, toValues(q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a new record to namespace/endpoint
func (c *Client) Create(ctx context.Context, namespace, endpoint string, data json.RawMessage) (Record, error) {
	var out Record
	p := path.Join(APIPrefix, "data", namespace, endpoint)
	err := c.doJSON(ctx, "create "+namespace+"/"+endpoint, http.MethodPost, p, nil, data, &out)
	return out, err
}

// Update replaces existing records, identified by RecordID
func (c *Client) Update(ctx context.Context, recs ...Record) ([]Record, error) {
	var out []Record
	err := c.doJSON(ctx, "update", http.MethodPut, path.Join(APIPrefix, "data"), nil, recs, &out)
	return out, err
}

// Delete removes records by RecordID
func (c *Client) Delete(ctx context.Context, recordIDs ...string) error {
	q := url.Values{}
	for _, id := range recordIDs {
		q.Add("records", id)
	}
	return c.doJSON(ctx, "delete", http.MethodDelete, path.Join(APIPrefix, "data"), q, nil, nil)
}

func toValues(q map[string]string) url.Values {
	v := url.Values{}
	for k, val := range q {
		v.Set(k, val)
	}
	return v
}

func (c *Client) newReq(ctx context.Context, method, p string, q url.Values, body []byte, token string) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	u.RawQuery = q.Encode()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	req.Header.Set(TokenHeader, token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := resource.IdempotencyKey(ctx); key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	return req, nil
}

// doJSON sends one request, renewing the token and retrying once when the
// HAT rejects it, and decodes a 2xx response into out.
func (c *Client) doJSON(ctx context.Context, op, method, p string, q url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("hat %s: encode request: %w", op, err)
		}
	}

	tok, err := c.creds.Token()
	if err != nil {
		return &APIError{Op: op, Status: http.StatusUnauthorized, Err: err}
	}

	respBody, err := c.send(ctx, op, method, p, q, body, tok.AccessToken)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Auth() {
		renewer, ok := c.creds.(Renewer)
		if !ok {
			return err
		}
		c.log.Info().Str("op", op).Msg("access token rejected, renewing")
		fresh, rerr := renewer.Renew(ctx)
		if rerr != nil {
			return &APIError{Op: op, Status: apiErr.Status, Err: fmt.Errorf("renew token: %w", rerr)}
		}
		respBody, err = c.send(ctx, op, method, p, q, body, fresh.AccessToken)
	}
	if err != nil {
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &APIError{Op: op, Status: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, p string, q url.Values, body []byte, token string) ([]byte, error) {
	req, err := c.newReq(ctx, method, p, q, body, token)
	if err != nil {
		return nil, fmt.Errorf("hat %s: %w", op, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.saveRenewedToken(resp, token)

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Op: op, Err: err}
	}
	c.log.Debug().Str("op", op).Str("method", method).Str("path", p).Int("status", resp.StatusCode).Msg("hat request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(b))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &APIError{Op: op, Status: resp.StatusCode, Body: msg}
	}
	return b, nil
}

func (c *Client) saveRenewedToken(resp *http.Response, sent string) {
	renewed := resp.Header.Get(TokenHeader)
	if renewed == "" || renewed == sent {
		return
	}
	if err := c.creds.Save(renewed); err != nil {
		c.log.Warn().Err(err).Msg("failed to persist renewed token")
	}
}
