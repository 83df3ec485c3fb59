package message

import (
	"net"
	"net/url"
	"strings"
)

// Key derives the cache identity of a request: the method and the normalized
// url, separated by a space. The query is part of the identity.
func Key(method string, u *url.URL) string {
	return strings.ToUpper(method) + " " + NormalizeURL(u)
}

// NormalizeURL lowercases scheme and host, drops default ports, empty paths
// and fragments, and sorts query parameters.
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := url.URL{
		Scheme:  strings.ToLower(u.Scheme),
		Host:    normalizeHost(strings.ToLower(u.Scheme), strings.ToLower(u.Host)),
		Path:    u.Path,
		RawPath: u.RawPath,
	}
	if n.Path == "" {
		n.Path = "/"
	}
	if u.RawQuery != "" {
		if q, err := url.ParseQuery(u.RawQuery); err == nil {
			n.RawQuery = q.Encode() // sorted by key
		} else {
			n.RawQuery = u.RawQuery
		}
	}
	return n.String()
}

func normalizeHost(scheme, host string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
