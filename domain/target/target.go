// Package target provides URL normalization for the proxy.
// Every textual form a request, resource pattern, or referrer can take is
// collapsed into one URL tuple so matching never reparses strings.
// All functions are pure and deterministic.
package target

import "strings"

// Wildcard matches any value of a component.
const Wildcard = "*"

// URL is the normalized (protocol, host, port, path, query) tuple.
// Missing components are Wildcard; Path may be empty for a bare host.
type URL struct {
	Protocol string
	Host     string
	Port     string
	Path     string
	Query    string
}

// Parse normalizes a standard URL (`scheme://host[:port]/path?query`) or a
// bare referrer-style string (`host.example/path`, `*.example.com/*`).
func Parse(raw string) URL {
	u := URL{Protocol: Wildcard, Host: Wildcard, Port: Wildcard}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return u
	}
	if raw == Wildcard {
		u.Path = Wildcard
		return u
	}

	rest := raw
	if idx := strings.Index(raw, "://"); idx >= 0 {
		u.Protocol = strings.TrimSuffix(strings.ToLower(raw[:idx]), ":")
		rest = raw[idx+3:]
	}
	if u.Protocol == "" {
		u.Protocol = Wildcard
	}

	rest, u.Query = splitQuery(rest)

	hostport := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		hostport = rest[:idx]
		u.Path = rest[idx:]
	}
	u.Host, u.Port = splitPort(hostport)

	promoteHost(&u)
	return u
}

// ParseTail normalizes the proxied portion of a request path, i.e. whatever
// follows the listen prefix and its separator. Accepted encodings:
//
//	host/path
//	http/host/path
//	https/host/path
//	*/host/path
//	scheme://host/path
//
// The slash-encoded scheme is a legacy convention for HTTP clients that
// refuse to put "://" inside a path.
func ParseTail(tail string) URL {
	tail = strings.TrimPrefix(tail, "/")

	switch {
	case strings.Contains(tail, "://"):
		return Parse(tail)
	case strings.HasPrefix(tail, "http/"):
		return parseBare("http", tail[len("http/"):])
	case strings.HasPrefix(tail, "https/"):
		return parseBare("https", tail[len("https/"):])
	case strings.HasPrefix(tail, "*/"):
		return parseBare(Wildcard, tail[len("*/"):])
	default:
		return parseBare(Wildcard, tail)
	}
}

func parseBare(protocol, rest string) URL {
	u := URL{Protocol: protocol, Host: Wildcard, Port: Wildcard}

	rest, u.Query = splitQuery(rest)

	hostport := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		hostport = rest[:idx]
		u.Path = rest[idx:]
	}
	u.Host, u.Port = splitPort(hostport)

	promoteHost(&u)
	return u
}

// splitQuery separates the query string, if any.
func splitQuery(s string) (rest, query string) {
	if idx := strings.Index(s, "?"); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// splitPort separates host from an explicit port. IPv6 literals in brackets
// keep their colons.
func splitPort(hostport string) (host, port string) {
	host, port = hostport, Wildcard

	if strings.HasPrefix(hostport, "[") {
		if idx := strings.LastIndex(hostport, "]"); idx >= 0 {
			host = hostport[:idx+1]
			if idx+1 < len(hostport) && hostport[idx+1] == ':' {
				port = hostport[idx+2:]
			}
		}
	} else if idx := strings.LastIndex(hostport, ":"); idx >= 0 {
		host = hostport[:idx]
		port = hostport[idx+1:]
	}

	host = strings.ToLower(host)
	if host == "" {
		host = Wildcard
	}
	if port == "" {
		port = Wildcard
	}
	return host, port
}

// promoteHost fixes tuples where parsing yielded an empty or wildcard host
// but a non-empty path: the first path segment becomes the host.
func promoteHost(u *URL) {
	if u.Host != Wildcard && u.Host != "" {
		return
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" {
		return
	}
	if idx := strings.Index(path, "/"); idx >= 0 {
		u.Host = strings.ToLower(path[:idx])
		u.Path = path[idx:]
	} else {
		u.Host = strings.ToLower(path)
		u.Path = ""
	}
}

// String reassembles the tuple for logging and meter keys. Wildcard port is
// omitted; a wildcard protocol renders as "*://".
func (u URL) String() string {
	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Port != Wildcard && u.Port != "" {
		b.WriteString(":")
		b.WriteString(u.Port)
	}
	b.WriteString(u.Path)
	if u.Query != "" {
		b.WriteString("?")
		b.WriteString(u.Query)
	}
	return b.String()
}

// HostSegmentsMatch reports whether host matches pattern under the
// segment-wise wildcard rule: both hosts split on ".", segment counts must
// be equal, and each pattern segment is either "*" or equal to the host
// segment (case-insensitive). "*.example.com" matches "www.example.com" but
// not "deep.www.example.com".
func HostSegmentsMatch(pattern, host string) bool {
	if pattern == Wildcard {
		return true
	}
	ps := strings.Split(strings.ToLower(pattern), ".")
	hs := strings.Split(strings.ToLower(host), ".")
	if len(ps) != len(hs) {
		return false
	}
	for i := range ps {
		if ps[i] != Wildcard && ps[i] != hs[i] {
			return false
		}
	}
	return true
}

// ProtocolsMatch reports whether two protocols are compatible: either side
// may be the wildcard.
func ProtocolsMatch(a, b string) bool {
	return a == Wildcard || b == Wildcard || strings.EqualFold(a, b)
}

// PathIsWildcard reports whether a pattern path accepts every request path:
// empty, "*", or the common "/*" form.
func PathIsWildcard(path string) bool {
	return path == "" || path == Wildcard || path == "/"+Wildcard
}
