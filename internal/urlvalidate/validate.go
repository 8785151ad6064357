// Package urlvalidate parses and normalizes a user-submitted proxy target,
// rejecting anything that points at the local machine or a private network.
package urlvalidate

import (
	"errors"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Kind classifies why a raw target was rejected.
type Kind string

const (
	KindEmpty             Kind = "Empty"
	KindUnparseable       Kind = "Unparseable"
	KindUnsupportedScheme Kind = "UnsupportedScheme"
	KindBlockedHost       Kind = "BlockedHost"
)

// Error reports a rejected target along with the Kind that classifies it.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Is supports errors.Is: it matches any *urlvalidate.Error of the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// hostLikePattern matches bare domain-ish input such as "example.com" or
// "sub.example.co.uk/path", used to decide whether to prefix https://.
var hostLikePattern = regexp.MustCompile(`^[^\s/]+\.[A-Za-z]{2,}(?:[/:].*)?$`)

// privateBlocks holds the RFC1918 ranges plus the IPv4 loopback range; the
// literal host names are listed separately in literalBlockedHosts.
var privateBlocks = []*net.IPNet{
	mustCIDR("10.0.0.0/8"),
	mustCIDR("172.16.0.0/12"),
	mustCIDR("192.168.0.0/16"),
	mustCIDR("127.0.0.0/8"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

var literalBlockedHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"0.0.0.0":   {},
}

// Validate parses raw user input into an absolute http/https URL, applying
// the normalization rules: a parseable absolute URL is used as-is; bare
// domain-looking input is prefixed with https://; anything else is treated
// as a search query and routed to DuckDuckGo.
func Validate(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, newError(KindEmpty, "Target URL is required.")
	}

	target, ok := tryParseAbsolute(trimmed)
	if !ok {
		if hostLikePattern.MatchString(trimmed) {
			target, ok = tryParseAbsolute("https://" + trimmed)
		}
	}
	if !ok {
		target = SearchFallbackURL(trimmed)
	}

	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, newError(KindUnsupportedScheme, "Target scheme must be http or https.")
	}
	if target.Host == "" {
		return nil, newError(KindUnparseable, "Target URL could not be parsed.")
	}
	if isBlockedHost(target.Hostname()) {
		return nil, newError(KindBlockedHost, "Target host is not allowed.")
	}
	return target, nil
}

func tryParseAbsolute(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	return u, true
}

// SearchFallbackURL builds the DuckDuckGo search URL used when the raw
// input is neither an absolute URL nor host-like.
func SearchFallbackURL(query string) *url.URL {
	return &url.URL{
		Scheme:   "https",
		Host:     "duckduckgo.com",
		Path:     "/",
		RawQuery: "q=" + url.QueryEscape(query),
	}
}

func isBlockedHost(host string) bool {
	lower := strings.ToLower(host)
	if _, ok := literalBlockedHosts[lower]; ok {
		return true
	}
	ip := net.ParseIP(lower)
	if ip == nil {
		return false
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return ip.IsUnspecified() || ip.IsLoopback()
}
