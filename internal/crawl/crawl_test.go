package crawl

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDomain(t *testing.T) {
	valid := map[string]string{
		"example.com":                     "example.com",
		"  Example.COM ":                  "example.com",
		"https://www.example.co.uk/about": "www.example.co.uk",
		"shop.example.com:8443":           "shop.example.com",
		"example.com.":                    "example.com",
		"my-site.github.io":               "my-site.github.io",
	}
	for in, want := range valid {
		got, err := ValidateDomain(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	invalid := []string{
		"",
		"localhost",
		"co.uk",
		"192.168.1.10",
		"exa_mple.com",
		"-example.com",
		"example..com",
		"example.notarealtld",
		"https://",
		strings.Repeat("a", 64) + ".com",
	}
	for _, in := range invalid {
		_, err := ValidateDomain(in)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve), "%q should be rejected", in)
	}
}

func newTLSServer(t *testing.T, h http.Handler) (*httptest.Server, *Crawler, string) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	c := &Crawler{
		Client:    srv.Client(),
		TLSConfig: &tls.Config{RootCAs: pool},
		Timeout:   2 * time.Second,
	}
	return srv, c, srv.Listener.Addr().String()
}

func TestCheckTLS(t *testing.T) {
	srv, c, host := newTLSServer(t, http.NotFoundHandler())

	info, err := c.CheckTLS(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, srv.Certificate().NotAfter, info.NotAfter)
	assert.NotEmpty(t, info.Version)
}

func TestCheckTLSRejectsUntrusted(t *testing.T) {
	_, _, host := newTLSServer(t, http.NotFoundHandler())

	_, err := (&Crawler{Timeout: time.Second}).CheckTLS(context.Background(), host)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS handshake")
}

const homepage = `<!doctype html>
<html><head><title>Acme Analytics</title><meta property="og:site_name" content="Acme"></head>
<body><nav>Home | Pricing</nav>
<article>
<h1>Acme Analytics</h1>
<p>Acme Analytics helps growing teams understand how search engines and AI assistants describe their products.
We track keyword rankings, brand mentions and intent phrases across the web every single day.</p>
<p>Connect your domain, pick the markets you care about and receive a weekly visibility report with concrete
recommendations for content, campaigns and technical fixes that move the needle.</p>
</article></body></html>`

func TestFetchHomepage(t *testing.T) {
	_, c, host := newTLSServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(homepage))
	}))

	page, err := c.FetchHomepage(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, "Acme Analytics", page.Title)
	assert.Contains(t, page.Text, "intent phrases")
	assert.Greater(t, page.WordCount, 20)
	assert.Equal(t, "https://"+host+"/", page.URL)
}

func TestFetchHomepageHTTPError(t *testing.T) {
	_, c, host := newTLSServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.FetchHomepage(context.Background(), host)
	assert.ErrorContains(t, err, "HTTP 503")
}

func TestTitleFromText(t *testing.T) {
	assert.Equal(t, "First line", titleFromText("First line\nsecond", 80))
	assert.Equal(t, "abc...", titleFromText("abcdef", 3))
	assert.Equal(t, "Untitled", titleFromText("   ", 80))
}
