package rewrite

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// rewriteTargets maps an element name to the attribute on it that carries a
// link-bearing reference.
var rewriteTargets = map[string]string{
	"a":      "href",
	"link":   "href",
	"img":    "src",
	"script": "src",
	"iframe": "src",
	"source": "src",
	"video":  "src",
	"audio":  "src",
	"track":  "src",
	"form":   "action",
}

// HTML rewrites every link-bearing attribute (including srcset) in doc so
// that it re-enters the proxy, then applies the host's HTML patch (if any)
// as a post-pass over the serialized output.
func HTML(doc string, base *url.URL, profile *Profile) string {
	var out strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(doc))

	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			break
		}

		switch tokenType {
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if rewriteToken(&token, base) {
				out.WriteString(token.String())
			} else {
				out.Write(tokenizer.Raw())
			}
		default:
			out.Write(tokenizer.Raw())
		}
	}

	result := out.String()
	if profile != nil && profile.Patch != nil {
		result = profile.Patch(result)
	}
	return result
}

// rewriteToken mutates token's link-bearing attribute(s) in place and
// reports whether anything changed (false means the caller should emit the
// tokenizer's original raw bytes instead, to preserve entities verbatim).
func rewriteToken(token *html.Token, base *url.URL) bool {
	attrName, wanted := rewriteTargets[token.Data]
	if !wanted {
		return false
	}

	changed := false
	foundTarget := false
	for i := range token.Attr {
		switch token.Attr[i].Key {
		case attrName:
			foundTarget = true
			if rewritten, ok := resolveValue(token.Attr[i].Val, base); ok {
				token.Attr[i].Val = rewritten
				changed = true
			}
		case "srcset":
			if rewritten, ok := rewriteSrcset(token.Attr[i].Val, base); ok {
				token.Attr[i].Val = rewritten
				changed = true
			}
		}
	}

	// Forms without an explicit action re-post to the current page.
	if attrName == "action" && !foundTarget {
		token.Attr = append(token.Attr, html.Attribute{Key: "action", Val: BuildProxyURL(base)})
		changed = true
	}

	return changed
}

// rewriteSrcset splits a srcset value on commas, rewrites the URL portion
// of each comma-separated entry, and rejoins the descriptors unchanged.
func rewriteSrcset(value string, base *url.URL) (string, bool) {
	entries := strings.Split(value, ",")
	changed := false
	for i, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		fields := strings.SplitN(trimmed, " ", 2)
		rewrittenURL, ok := resolveValue(fields[0], base)
		if !ok {
			continue
		}
		changed = true
		if len(fields) == 2 {
			entries[i] = rewrittenURL + " " + strings.TrimSpace(fields[1])
		} else {
			entries[i] = rewrittenURL
		}
	}
	if !changed {
		return value, false
	}
	return strings.Join(entries, ", "), true
}
