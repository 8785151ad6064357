package rewrite

import "strings"

// Profile bundles an optional CSP variant and an optional HTML post-patch
// for upstream hosts matched by case-insensitive substring.
type Profile struct {
	Name      string
	HostMatch string
	CSP       string
	Patch     func(html string) string
}

// cspProfiles gives each named CSP profile its own permissive allowlist
// string; the three profiles differ only in this value.
var cspProfiles = map[string]string{
	"duckduckgo-hardened": "default-src * 'unsafe-inline' 'unsafe-eval' data: blob:; frame-ancestors *;",
	"google-compatible":   "default-src * 'unsafe-inline' 'unsafe-eval' data: blob: mediastream: filesystem:; frame-ancestors *;",
	"bing-compatible":     "default-src * 'unsafe-inline' 'unsafe-eval' data: blob:; img-src * data: blob:; frame-ancestors *;",
}

// profiles is matched in order against the upstream hostname.
var profiles = []Profile{
	{
		Name:      "duckduckgo-hardened",
		HostMatch: "duckduckgo.com",
		CSP:       cspProfiles["duckduckgo-hardened"],
		Patch:     patchDuckDuckGoHardened,
	},
	{
		Name:      "google-compatible",
		HostMatch: "google.com",
		CSP:       cspProfiles["google-compatible"],
		Patch:     patchGoogleCompatible,
	},
	{
		Name:      "bing-compatible",
		HostMatch: "bing.com",
		CSP:       cspProfiles["bing-compatible"],
	},
}

// MatchProfile returns the first profile whose HostMatch substring appears
// (case-insensitively) in host, or nil if none match.
func MatchProfile(host string) *Profile {
	lower := strings.ToLower(host)
	for i := range profiles {
		if strings.Contains(lower, profiles[i].HostMatch) {
			return &profiles[i]
		}
	}
	return nil
}

// patchDuckDuckGoHardened rewrites protocol-relative hrefs to https and
// strips subresource-integrity attributes that would otherwise fail against
// rewritten script/link sources.
func patchDuckDuckGoHardened(doc string) string {
	doc = strings.ReplaceAll(doc, `href="//`, `href="https://`)
	return stripAttr(doc, "integrity")
}

// patchGoogleCompatible strips nonce attributes left over from Google's own
// CSP, which would otherwise block rewritten inline scripts from executing.
func patchGoogleCompatible(doc string) string {
	return stripAttr(doc, "nonce")
}
