package domain

import (
	"net/url"
	"strings"
)

// Hostname extracts the lowercase host from a raw URL or bare domain.
// Returns "" for non-HTTP(S) schemes like chrome:// or about:.
func Hostname(raw string) string {
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		// Bare domain like "ixl.com". Anything with a path or scheme
		// separator left over is not a domain.
		host := strings.ToLower(strings.TrimSuffix(raw, "/"))
		if strings.ContainsAny(host, "/:") {
			return ""
		}
		return host
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// MatchesDomain reports whether host equals the domain or is a subdomain of
// it. "www.ixl.com" matches "ixl.com"; "notixl.com" does not.
func MatchesDomain(host, domain string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	domain = strings.ToLower(strings.TrimPrefix(domain, "www."))
	if host == "" || domain == "" {
		return false
	}
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}

// IsWebURL reports whether the URL is an http(s) page worth reporting.
func IsWebURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}
