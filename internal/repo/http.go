package repo

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
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy controls client-level retries of transient failures.
type RetryPolicy struct {
	Retries  int
	Interval time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries)), ctx)
}

// statusError is returned for a non-200 response.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string { return "upstream returned " + e.status }

func (e *statusError) permanent() bool {
	return e.code >= 400 && e.code < 500 && e.code != http.StatusTooManyRequests
}

// httpClient issues JSON requests with retries. 4xx responses other than 429 are not retried.
type httpClient struct {
	baseURL string
	client  *http.Client
	retry   RetryPolicy
}

func newHTTPClient(baseURL string, timeout time.Duration, retry RetryPolicy) httpClient {
	return httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
	}
}

func (c *httpClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// do sends body to endpoint and returns the response body. body may be nil for GET.
func (c *httpClient) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint")
	}

	var out []byte
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			serr := &statusError{code: resp.StatusCode, status: resp.Status}
			if serr.permanent() {
				return backoff.Permanent(serr)
			}
			return serr
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		out = data
		return nil
	}
	if err := backoff.Retry(op, c.retry.backOff(ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *httpClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// isPermanent reports whether err came from a response that retrying cannot fix.
func isPermanent(err error) bool {
	var serr *statusError
	return errors.As(err, &serr) && serr.permanent()
}
