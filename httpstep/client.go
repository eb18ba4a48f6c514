// Package httpstep is the HTTP client steps use to call internal service
// endpoints. Requests are HMAC-signed and failures come back pre-classified
// for the retry policy.
package httpstep

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chorusflow/chorus/retry"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Internal-Signature"

// Client posts JSON to internal endpoints with a shared-secret body
// signature.
type Client struct {
	http   *http.Client
	secret []byte
}

// New creates a signing client. A nil httpClient gets a 30-second timeout
// default.
func New(httpClient *http.Client, secret string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of body under the client's secret.
// Exposed so test servers can verify what they receive.
func (c *Client) Sign(body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// PostJSON posts payload to url and decodes the response into out (which may
// be nil). Errors carry a retry class: connection failures, 5xx, and 429 are
// transient; 400 and 422 are validation; everything else 4xx is terminal.
func (c *Client) PostJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Validation(fmt.Errorf("httpstep: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Validation(fmt.Errorf("httpstep: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, c.Sign(body))

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("httpstep: post %s: %w", url, err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, url, resp.Body); err != nil {
		return err
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(fmt.Errorf("httpstep: decode %s response: %w", url, err))
	}
	return nil
}

func classifyStatus(code int, url string, body io.Reader) error {
	if code < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(body, 512))
	err := fmt.Errorf("httpstep: %s returned %d: %s", url, code, bytes.TrimSpace(detail))

	switch {
	case code >= 500, code == http.StatusTooManyRequests:
		return retry.Transient(err)
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return retry.Validation(err)
	default:
		return retry.ProviderTerminal(err)
	}
}
