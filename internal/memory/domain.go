package memory

import (
	"net/url"
	"strings"
)

// ExtractDomain returns the host of rawURL without a leading "www.".
// Bare hosts without a scheme are accepted. Unparseable input yields "".
func ExtractDomain(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}
