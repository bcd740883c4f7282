package upstream

import (
	"net/url"
	"regexp"
)

// apiKeyPathSegment matches a path segment that looks like a hosted
// provider's API key (Infura/Alchemy-style URLs embed it as the last path
// segment, optionally after a "v<digits>" version segment): 20 or more
// alphanumeric/underscore/hyphen characters.
var apiKeyPathSegment = regexp.MustCompile(`[A-Za-z0-9_-]{20,}`)

// Sanitize replaces user-info (API keys embedded as basic-auth credentials)
// and API-key-shaped path segments in a URL with "redacted" placeholders
// before it is logged; url.Redacted then masks the password part.
func Sanitize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.UserPassword("redacted", "redacted")
	}
	u.Path = apiKeyPathSegment.ReplaceAllString(u.Path, "redacted")
	return u.Redacted()
}
