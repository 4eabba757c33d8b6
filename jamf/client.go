// Package jamf is a client for the Jamf Pro patch management API.
package jamf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/micromdm/nanopatch/log/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const tokenGracePeriod = time.Minute

var (
	ErrNotFound = errors.New("not found")
	ErrNoToken  = errors.New("auth response missing token")
)

// APIError captures unexpected responses from Jamf Pro.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jamf api error: %s %s: status=%d message=%s", e.Method, e.Path, e.StatusCode, e.Message)
}

// ID is a Jamf object identifier.
// Jamf returns identifiers as both JSON strings and numbers.
type ID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("jamf id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Client talks to Jamf Pro using a lazily refreshed bearer token.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   log.Logger
	dist     Distributor
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithDistributor uploads package files to d before their package
// records are created.
func WithDistributor(d Distributor) Option {
	return func(c *Client) {
		c.dist = d
	}
}

// New creates a new Jamf Pro client.
func New(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   log.NopLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenResponse struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// bearer returns a cached token or authenticates for a new one.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Add(tokenGracePeriod).Before(c.expires) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authenticating: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Method: req.Method, Path: req.URL.Path, StatusCode: resp.StatusCode, Message: string(body)}
	}
	tr := new(tokenResponse)
	if err = json.Unmarshal(body, tr); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	if tr.Token == "" {
		return "", ErrNoToken
	}
	if tr.Expires.IsZero() {
		tr.Expires = c.now().Add(20 * time.Minute)
	}
	c.token, c.expires = tr.Token, tr.Expires

	ctxlog.Logger(ctx, c.logger).Debug(logkeys.Message, "authenticated", "expires", tr.Expires)
	return c.token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do performs an authenticated JSON request. The response body is
// decoded into out when the status is in ok. Otherwise an *APIError
// is returned. A 401 response refreshes the token and retries once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}, ok ...int) (int, error) {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return 0, err
		}
	}
	if len(ok) < 1 {
		ok = []int{http.StatusOK}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		token, err := c.bearer(ctx)
		if err != nil {
			return 0, err
		}
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, err
		}
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if err != nil {
			return resp.StatusCode, err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.invalidate()
			continue
		}
		for _, code := range ok {
			if resp.StatusCode != code {
				continue
			}
			if out != nil && len(respBody) > 0 {
				if err = json.Unmarshal(respBody, out); err != nil {
					return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
				}
			}
			return resp.StatusCode, nil
		}
		return resp.StatusCode, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}
}

// nameFilter is an RSQL query matching the name field.
func nameFilter(field, name string) url.Values {
	return url.Values{"filter": []string{field + "==" + strconv.Quote(name)}}
}

type searchResults[T any] struct {
	TotalCount int `json:"totalCount"`
	Results    []T `json:"results"`
}
