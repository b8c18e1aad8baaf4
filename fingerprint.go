package ephemeral

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeURL returns a normalized copy of u.
//
// The scheme and host are lowercased (internationalized hosts are converted
// to their ASCII form), default ports are removed, an empty path becomes "/"
// and the fragment is dropped. The path keeps its case.
func NormalizeURL(u *url.URL) *url.URL {
	out := *u
	out.User = nil
	out.Fragment = ""
	out.RawFragment = ""
	out.Scheme = strings.ToLower(u.Scheme)
	out.Host = normalizeHost(out.Scheme, u.Host)
	if out.Path == "" && out.RawPath == "" {
		out.Path = "/"
	}
	return &out
}

func normalizeHost(scheme, hostport string) string {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	host = strings.Trim(host, "[]")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	host = strings.ToLower(host)

	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

// TargetIdentity returns the canonical form of the target URL.
//
// Query parameters are sorted by their complete key/value pair and each key
// and value is escaped separately, so reordering parameters yields the same
// identity while swapping keys and values never does.
func TargetIdentity(u *url.URL) string {
	n := NormalizeURL(u)

	var b strings.Builder
	b.WriteString(n.Scheme)
	b.WriteString("://")
	b.WriteString(n.Host)
	b.WriteString(n.EscapedPath())

	pairs := queryPairs(n.RawQuery)
	if len(pairs) == 0 {
		return b.String()
	}
	b.WriteByte('?')
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		if p.hasValue {
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(p.value))
		}
	}
	return b.String()
}

type queryPair struct {
	key      string
	value    string
	hasValue bool
}

func queryPairs(raw string) []queryPair {
	var pairs []queryPair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, hasValue := strings.Cut(part, "=")
		pairs = append(pairs, queryPair{
			key:      unescapeQuery(k),
			value:    unescapeQuery(v),
			hasValue: hasValue,
		})
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i], pairs[j]
		if a.key != b.key {
			return a.key < b.key
		}
		if a.hasValue != b.hasValue {
			return !a.hasValue
		}
		return a.value < b.value
	})
	return pairs
}

func unescapeQuery(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// RequestIdentity returns the canonical form of the significant request
// attributes: the method, the captured headers and the body.
func RequestIdentity(r *Request) string {
	var b strings.Builder
	frame(&b, strings.ToUpper(r.Method))

	names := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		frame(&b, http.CanonicalHeaderKey(k))
		frame(&b, strings.Join(r.Headers[k], "\n"))
	}

	frame(&b, r.Body)
	return b.String()
}

// Identifier returns the fingerprint for a request to the given target.
func Identifier(u *url.URL, r *Request) string {
	var b strings.Builder
	frame(&b, TargetIdentity(u))
	frame(&b, RequestIdentity(r))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// frame writes s prefixed by its length so adjacent fields cannot run into
// each other.
func frame(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
