// Package backend is the client for the analysis REST backend, which owns
// crawling, keyword generation and intent-phrase generation.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/apresai/domain-analyzer/internal/config"
)

const maxErrorBody = 4 << 10

// Client calls the backend. Requests carry the configured bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// New creates a client from config. The HTTP client has no overall timeout so
// event streams can stay open. Plain calls use cfg.Timeout per request.
func New(cfg config.BackendConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	var rt http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if cfg.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Transport: rt},
		timeout: timeout,
		log:     logger,
	}
}

func (c *Client) CreateDomain(ctx context.Context, req CreateDomainRequest) (*Domain, error) {
	var d Domain
	if err := c.do(ctx, http.MethodPost, "/api/domains", req, &d); err != nil {
		return nil, fmt.Errorf("create domain %s: %w", req.Domain, err)
	}
	return &d, nil
}

func (c *Client) GetDomain(ctx context.Context, id int64) (*Domain, error) {
	var d Domain
	if err := c.do(ctx, http.MethodGet, "/api/domains/"+itoa(id), nil, &d); err != nil {
		return nil, fmt.Errorf("get domain %d: %w", id, err)
	}
	return &d, nil
}

func (c *Client) ListDomains(ctx context.Context) ([]Domain, error) {
	var out []Domain
	if err := c.do(ctx, http.MethodGet, "/api/domains", nil, &out); err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return out, nil
}

// GenerateKeywords runs keyword discovery for a domain and waits for it.
func (c *Client) GenerateKeywords(ctx context.Context, domainID int64) error {
	if err := c.do(ctx, http.MethodPost, "/api/keywords/"+itoa(domainID)+"/generate", nil, nil); err != nil {
		return fmt.Errorf("generate keywords for %d: %w", domainID, err)
	}
	return nil
}

func (c *Client) ListKeywords(ctx context.Context, domainID int64) ([]Keyword, error) {
	var out []Keyword
	if err := c.do(ctx, http.MethodGet, "/api/keywords/"+itoa(domainID), nil, &out); err != nil {
		return nil, fmt.Errorf("list keywords for %d: %w", domainID, err)
	}
	return out, nil
}

// StartIntentPhrases kicks off phrase generation. Progress is reported on
// the stream returned by Subscribe.
func (c *Client) StartIntentPhrases(ctx context.Context, domainID int64) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodPost, "/api/intent-phrases/"+itoa(domainID)+"/generate", nil, &job); err != nil {
		return nil, fmt.Errorf("start intent phrases for %d: %w", domainID, err)
	}
	return &job, nil
}

func (c *Client) ListIntentPhrases(ctx context.Context, domainID int64) ([]IntentPhrase, error) {
	var out []IntentPhrase
	if err := c.do(ctx, http.MethodGet, "/api/intent-phrases/"+itoa(domainID), nil, &out); err != nil {
		return nil, fmt.Errorf("list intent phrases for %d: %w", domainID, err)
	}
	return out, nil
}

// CampaignStructure returns the backend's campaign plan for a domain as-is.
func (c *Client) CampaignStructure(ctx context.Context, domainID int64) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/domains/"+itoa(domainID)+"/campaign-structure", nil, &out); err != nil {
		return nil, fmt.Errorf("campaign structure for %d: %w", domainID, err)
	}
	return out, nil
}

// Audit returns the backend's site audit for a domain as-is.
func (c *Client) Audit(ctx context.Context, domainID int64) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/domains/"+itoa(domainID)+"/audit", nil, &out); err != nil {
		return nil, fmt.Errorf("audit for %d: %w", domainID, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.log.DebugContext(ctx, "Backend call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := checkStatus(resp, method, path); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode: resp.StatusCode,
		Method:     method,
		Path:       path,
		Message:    strings.TrimSpace(parseErrorBody(b)),
	}
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
