package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// APIError is a non-2xx response from the provider. Status 429 and 5xx are
// transient; everything else (auth rejected, malformed request) is permanent
// and must abort the sync cycle without advancing the cursor.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the caller may retry the request.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the provider's delta-token email API. It performs no
// retries itself; retry policy belongs to the caller.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a provider client authenticated with the account's
// access token.
func NewClient(ctx context.Context, baseURL, accessToken string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	httpClient := oauth2.NewClient(ctx, src)
	httpClient.Timeout = 30 * time.Second

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
	}
}

// StartSync initiates a provider-side sync job over the last windowDays of
// mail. While the returned job is not ready the caller must poll again; that
// is the remote job still running, not an error.
func (c *Client) StartSync(ctx context.Context, windowDays int, bodyFormat string) (*SyncJob, error) {
	q := url.Values{}
	q.Set("daysWithin", strconv.Itoa(windowDays))
	q.Set("bodyType", bodyFormat)

	var job SyncJob
	if err := c.do(ctx, http.MethodPost, "/email/sync", q, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// FetchChanges fetches one page of updated records. Exactly one of
// query.Cursor or query.PageToken must be set. Records are validated at this
// boundary; malformed entries are dropped from the page with a per-record
// error list so the caller can log them.
func (c *Client) FetchChanges(ctx context.Context, query ChangeQuery) (*ChangePage, []error, error) {
	if (query.Cursor == "") == (query.PageToken == "") {
		return nil, nil, fmt.Errorf("exactly one of cursor or page token required")
	}

	q := url.Values{}
	if query.Cursor != "" {
		q.Set("deltaToken", query.Cursor)
	}
	if query.PageToken != "" {
		q.Set("pageToken", query.PageToken)
	}

	var page ChangePage
	if err := c.do(ctx, http.MethodGet, "/email/sync/updated", q, nil, &page); err != nil {
		return nil, nil, err
	}

	var rejected []error
	valid := page.Records[:0]
	for i := range page.Records {
		if err := page.Records[i].Validate(); err != nil {
			rejected = append(rejected, err)
			continue
		}
		valid = append(valid, page.Records[i])
	}
	page.Records = valid

	return &page, rejected, nil
}

// SendMessage sends a message through the provider.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) (*SendResult, error) {
	q := url.Values{}
	q.Set("returnIds", "true")

	var result SendResult
	if err := c.do(ctx, http.MethodPost, "/email/messages", q, msg, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AccountInfo returns the email and display name of the authorized mailbox.
func (c *Client) AccountInfo(ctx context.Context) (*AccountDetails, error) {
	var details AccountDetails
	if err := c.do(ctx, http.MethodGet, "/account", nil, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// ExchangeCode trades an authorization code for an account id and access
// token, authenticating with the application's client credentials.
func ExchangeCode(ctx context.Context, baseURL, clientID, clientSecret, code string) (*TokenGrant, error) {
	u := fmt.Sprintf("%s/auth/token/%s", baseURL, url.PathEscape(code))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(clientID, clientSecret)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var grant TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &grant, nil
}
