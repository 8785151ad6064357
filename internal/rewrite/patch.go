package rewrite

import "regexp"

// Per-host HTML patches only ever strip these two attributes, so their
// patterns are precompiled rather than built on demand.
var (
	integrityAttrPattern = regexp.MustCompile(`\s+integrity="[^"]*"`)
	nonceAttrPattern     = regexp.MustCompile(`\s+nonce="[^"]*"`)
)

// stripAttr removes every occurrence of a known quoted attribute from a
// serialized HTML document.
func stripAttr(doc, name string) string {
	switch name {
	case "integrity":
		return integrityAttrPattern.ReplaceAllString(doc, "")
	case "nonce":
		return nonceAttrPattern.ReplaceAllString(doc, "")
	default:
		return doc
	}
}
