// Package origin validates browser Origin headers against the configured
// allow-list before a relay connection is accepted.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates and canonicalizes a browser Origin header into
// scheme://host[:port] form: lower-cased scheme and host, no path, query,
// fragment or userinfo, default ports stripped.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort := u.Port(); rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, true
}

// Allowed reports whether the normalized origin matches the allow-list.
// Entries must be normalized origins (as produced by Normalize) or the "*"
// wildcard. An empty allow-list rejects everything; the dev-mode bypass is
// applied by the caller, not here.
func Allowed(normalizedOrigin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == normalizedOrigin {
			return true
		}
	}
	return false
}
