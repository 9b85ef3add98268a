package aggregate

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// CanonicalKey maps a company URL to the key its lead is stored under: the
// lower-cased registrable domain, so https://www.Acme.io/about and
// http://app.acme.io share one lead. IP addresses and hosts without a public
// suffix keep their full host name.
func CanonicalKey(rawURL string) (string, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return "", fmt.Errorf("canonicalising url: empty")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("canonicalising url %q: %w", rawURL, err)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("canonicalising url %q: no host", rawURL)
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	host = strings.TrimPrefix(host, "www.")

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, nil
	}
	return domain, nil
}
