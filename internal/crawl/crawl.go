// Package crawl performs the client-side onboarding checks for a domain:
// name validation, TLS verification and homepage extraction.
package crawl

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxPageSize caps how much of a homepage is read (5 MB).
const maxPageSize = 5 * 1024 * 1024

var ErrCertificateExpired = errors.New("certificate expired")

// Page is the readable content of a homepage.
type Page struct {
	URL       string
	Title     string
	Excerpt   string
	SiteName  string
	Text      string
	WordCount int
}

// TLSInfo describes the certificate a host presented.
type TLSInfo struct {
	Subject  string
	Issuer   string
	NotAfter time.Time
	Version  string
}

// Crawler fetches pages and probes TLS. The zero value uses default clients.
type Crawler struct {
	Client    *http.Client
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// New returns a crawler with a traced HTTP client.
func New(timeout time.Duration) *Crawler {
	return &Crawler{
		Client:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Timeout: timeout,
	}
}

func (c *Crawler) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// CheckTLS completes a verified TLS handshake with host (port 443 unless
// given) and reports the leaf certificate.
func (c *Crawler) CheckTLS(ctx context.Context, host string) (*TLSInfo, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "443")
	}
	serverName, _, _ := net.SplitHostPort(addr)

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	d := &tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		var invalid x509.CertificateInvalidError
		if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
			return nil, fmt.Errorf("%s: %w", host, ErrCertificateExpired)
		}
		return nil, fmt.Errorf("TLS handshake with %s: %w", host, err)
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("TLS handshake with %s: no peer certificate", host)
	}
	leaf := state.PeerCertificates[0]
	return &TLSInfo{
		Subject:  leaf.Subject.CommonName,
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter,
		Version:  tls.VersionName(state.Version),
	}, nil
}

// FetchHomepage downloads https://<host>/ and extracts its readable text.
func (c *Crawler) FetchHomepage(ctx context.Context, host string) (*Page, error) {
	source := "https://" + host + "/"
	parsed, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %s: %w", source, err)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: c.timeout()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s: %w", source, err)
	}
	req.Header.Set("User-Agent", "domain-analyzer/1.0 (+onboarding)")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("could not fetch %s: HTTP %d", source, resp.StatusCode)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageSize), parsed)
	if err != nil {
		return nil, fmt.Errorf("could not extract content from %s: %w", source, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return nil, fmt.Errorf("no readable content on %s", source)
	}

	title := article.Title
	if title == "" {
		title = titleFromText(text, 80)
	}

	return &Page{
		URL:       source,
		Title:     title,
		Excerpt:   article.Excerpt,
		SiteName:  article.SiteName,
		Text:      text,
		WordCount: wordCount(text),
	}, nil
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func titleFromText(text string, maxLen int) string {
	line := text
	if idx := strings.IndexByte(text, '\n'); idx > 0 {
		line = text[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > maxLen {
		line = line[:maxLen] + "..."
	}
	if line == "" {
		return "Untitled"
	}
	return line
}
