package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

// cssURLPattern matches url(...) tokens with optional single/double quotes.
var cssURLPattern = regexp.MustCompile(`url\(\s*(['"]?)([^'")]*)(['"]?)\s*\)`)

// CSS rewrites every url(...) token in src whose target is not a data: URI
// or a fragment, resolving it against base. Quotes are dropped in the
// rewritten output; tokens that fail to resolve are left untouched.
func CSS(src string, base *url.URL) string {
	return cssURLPattern.ReplaceAllStringFunc(src, func(match string) string {
		groups := cssURLPattern.FindStringSubmatch(match)
		raw := strings.TrimSpace(groups[2])
		if raw == "" {
			return match
		}
		lower := strings.ToLower(raw)
		if strings.HasPrefix(lower, "data:") || strings.HasPrefix(raw, "#") {
			return match
		}
		if strings.HasPrefix(raw, Prefix) {
			return match
		}
		resolved, err := base.Parse(raw)
		if err != nil {
			return match
		}
		return "url(" + BuildProxyURL(resolved) + ")"
	})
}
