package crawl

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ValidationError rejects user input before any network call is made.
type ValidationError struct {
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid domain %q: %s", e.Input, e.Reason)
}

// ValidateDomain normalizes user input (scheme, path and port are dropped,
// case is folded) and checks that the result is a registrable host name
// under a known public suffix.
func ValidateDomain(input string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(input))
	if host == "" {
		return "", &ValidationError{Input: input, Reason: "domain is required"}
	}
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil || u.Host == "" {
			return "", &ValidationError{Input: input, Reason: "not a valid URL"}
		}
		host = u.Host
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	if net.ParseIP(host) != nil {
		return "", &ValidationError{Input: input, Reason: "IP addresses are not domains"}
	}
	if len(host) > 253 {
		return "", &ValidationError{Input: input, Reason: "longer than 253 characters"}
	}
	if !strings.Contains(host, ".") {
		return "", &ValidationError{Input: input, Reason: "missing top-level domain"}
	}
	for _, label := range strings.Split(host, ".") {
		if reason := checkLabel(label); reason != "" {
			return "", &ValidationError{Input: input, Reason: reason}
		}
	}

	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann && !strings.Contains(suffix, ".") {
		return "", &ValidationError{Input: input, Reason: fmt.Sprintf("unknown top-level domain %q", suffix)}
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(host); err != nil {
		return "", &ValidationError{Input: input, Reason: "is a public suffix, not a registrable domain"}
	}
	return host, nil
}

func checkLabel(label string) string {
	if label == "" {
		return "empty label"
	}
	if len(label) > 63 {
		return fmt.Sprintf("label %q longer than 63 characters", label)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Sprintf("label %q starts or ends with a hyphen", label)
	}
	for _, r := range label {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Sprintf("label %q contains %q", label, r)
		}
	}
	return ""
}
