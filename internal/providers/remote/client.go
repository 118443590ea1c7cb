package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/search"
)

const (
	defaultBaseURL   = "http://localhost:8000"
	defaultUserAgent = "half-circuit-coordinator/1.0"
	defaultLimit     = 10
	maxResponseBytes = 4 * 1024 * 1024
)

type Config struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Retry     *search.RetryConfig
	Now       func() time.Time
}

// Client calls the remote search API. A single Client is shared by every
// task runner; it is safe for concurrent use.
type Client struct {
	http      *http.Client
	endpoint  string
	userAgent string
	retry     search.RetryConfig
	health    *healthTracker
}

type searchBody struct {
	Query  string  `json:"query"`
	Limit  int     `json:"limit"`
	UserID *string `json:"user_id"`
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	retry := search.DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		http:      httpClient,
		endpoint:  strings.TrimRight(baseURL, "/") + "/search",
		userAgent: userAgent,
		retry:     retry,
		health:    newHealthTracker(now),
	}
}

func (c *Client) Name() string {
	return "search-api"
}

// Search performs one outbound search call. Only a request that failed
// before reaching the server is sent again, and only when Retry allows more
// than one attempt.
func (c *Client) Search(ctx context.Context, request domain.SearchRequest) ([]domain.RawResult, error) {
	if blocked, until, lastErr := c.health.blocked(); blocked {
		return nil, &domain.TransportError{
			Err: fmt.Errorf("search api temporarily unhealthy until %s: %s", until.UTC().Format(time.RFC3339), lastErr),
		}
	}

	startedAt := time.Now()
	var items []domain.RawResult
	err := search.RetryWithBackoff(ctx, c.retry, func() error {
		var err error
		items, err = c.do(ctx, request)
		return err
	})
	c.health.record(request.Query, err, time.Since(startedAt))
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) Diagnostics() domain.ProviderDiagnostics {
	diag := c.health.diagnostics()
	diag.Name = c.Name()
	diag.Endpoint = c.endpoint
	return diag
}

func (c *Client) do(ctx context.Context, request domain.SearchRequest) ([]domain.RawResult, error) {
	limit := request.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	body := searchBody{
		Query: strings.TrimSpace(request.Query),
		Limit: limit,
	}
	if userID := strings.TrimSpace(request.UserID); userID != "" {
		body.UserID = &userID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if token := strings.TrimSpace(request.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return nil, &domain.TransportError{StatusCode: resp.StatusCode}
	}

	reader, err := decodedBody(resp)
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}
	raw, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes))
	if err != nil {
		return nil, &domain.TransportError{Err: err}
	}

	return parseResponse(raw)
}

func parseResponse(raw []byte) ([]domain.RawResult, error) {
	var response domain.ProviderResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, &domain.TransportError{Err: fmt.Errorf("decode search response: %w", err)}
	}
	if response.StatusCode != nil && *response.StatusCode != http.StatusOK {
		return nil, &domain.ProviderError{
			Code:    *response.StatusCode,
			Message: firstNonEmpty(response.Detail, response.Message, response.Error),
		}
	}
	return response.Results, nil
}

// decodedBody converts legacy charsets announced in Content-Type to UTF-8.
func decodedBody(resp *http.Response) (io.Reader, error) {
	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if contentType == "" {
		return resp.Body, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return resp.Body, nil
	}
	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return resp.Body, nil
	}
	encoding, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return encoding.NewDecoder().Reader(resp.Body), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
