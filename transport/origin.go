package transport

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// NormalizeOrigin reduces a URL to scheme://host[:port], eliding the port
// when it equals the scheme's default (80 for http, 443 for https), and
// rendering file:// origins with no host at all. This is the exact rule
// spec.md §6 specifies for document-frame origin validation.
func NormalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "normalize origin %q", raw)
	}
	if u.Scheme == "file" {
		return "file://", nil
	}
	host := u.Hostname()
	port := u.Port()
	if isDefaultPort(u.Scheme, port) {
		port = ""
	}
	if port != "" {
		return strings.ToLower(u.Scheme) + "://" + host + ":" + port, nil
	}
	return strings.ToLower(u.Scheme) + "://" + host, nil
}

func isDefaultPort(scheme, port string) bool {
	if port == "" {
		return true
	}
	switch strings.ToLower(scheme) {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	default:
		return false
	}
}

// OriginsMatch reports whether two raw origin strings normalise to the
// same value. A normalisation failure on either side is treated as a
// mismatch (spec.md §7: invalid peers are dropped silently, never errored).
func OriginsMatch(a, b string) bool {
	na, err := NormalizeOrigin(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeOrigin(b)
	if err != nil {
		return false
	}
	return na == nb
}
