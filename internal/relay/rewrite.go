package relay

import (
	"net/url"
	"regexp"
	"strings"
)

// ManifestSuffix marks HLS playlist resources; everything else fetched
// through the relay is treated as an opaque media segment.
const ManifestSuffix = ".m3u8"

var tagURIPattern = regexp.MustCompile(`URI="([^"]+)"`)

// ProxyReference wraps an absolute origin URL in a relay-local segment URL.
// The original URL is query-escaped in full so it survives another round of
// URL decoding on the way back in.
func ProxyReference(relayBase, absolute string) string {
	return strings.TrimRight(relayBase, "/") + "/segment?url=" + url.QueryEscape(absolute)
}

// RewriteManifest replaces every segment, sub-playlist, and quoted tag URI in
// an HLS playlist with a relay-local proxy reference. Relative references are
// resolved against sourceURL first. The transform is pure: line count and
// ordering are preserved, and only URI-bearing content changes.
func RewriteManifest(content, sourceURL, relayBase string) string {
	base, err := url.Parse(sourceURL)
	if err != nil {
		base = nil
	}

	lines := strings.Split(content, "\n")
	rewritten := make([]string, 0, len(lines))
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			if strings.Contains(stripped, `URI="`) {
				stripped = tagURIPattern.ReplaceAllStringFunc(stripped, func(match string) string {
					uri := match[len(`URI="`) : len(match)-1]
					return `URI="` + ProxyReference(relayBase, resolveReference(base, uri)) + `"`
				})
			}
			rewritten = append(rewritten, stripped)
			continue
		}
		rewritten = append(rewritten, ProxyReference(relayBase, resolveReference(base, stripped)))
	}
	return strings.Join(rewritten, "\n")
}

// resolveReference makes a playlist reference absolute. References that are
// already absolute are returned untouched rather than re-resolved.
func resolveReference(base *url.URL, ref string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	if base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
