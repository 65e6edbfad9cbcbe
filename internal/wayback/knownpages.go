package wayback

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/idna"
)

// subresourceMIMETypes are content types the known-pages filter treats as
// page subresources rather than pages in their own right.
var subresourceMIMETypes = map[string]bool{
	"text/css": true, "text/javascript": true, "application/javascript": true,
	"image/jpeg": true, "image/webp": true, "image/png": true,
	"image/gif": true, "image/bmp": true, "image/tiff": true, "image/x-icon": true,
}

// subresourceExtensions are file extensions (including the leading dot)
// treated as subresources regardless of reported MIME type.
var subresourceExtensions = map[string]bool{
	".css": true, ".js": true, ".es": true, ".es6": true, ".jsm": true,
	".jpg": true, ".jpeg": true, ".webp": true, ".png": true,
	".gif": true, ".bmp": true, ".tif": true, ".ico": true,
}

// normalizeHost lowercases and Unicode-normalizes a hostname via IDNA so
// that known-page domains using punycode and domains using raw Unicode
// dedupe against the same key.
func normalizeHost(host string) string {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return strings.ToLower(host)
}

// IsPage reports whether a CDX record looks like a page rather than a
// subresource, based on its reported MIME type and the file extension of its
// original URL.
func IsPage(record CdxRecord) bool {
	if subresourceMIMETypes[record.MimeType] {
		return false
	}
	if u, err := url.Parse(record.OriginalURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if subresourceExtensions[ext] {
			return false
		}
	}
	return true
}

// KnownPage is one page entry returned by the Store's list-pages operation.
type KnownPage struct {
	URL    string
	URLKey string
}

// KnownPagesFilter is a version_filter built from the Store's known pages: it
// passes a record when its domain falls back to IsPage — because the domain
// is entirely unmonitored, or because one of its known pages reported an
// empty url_key — or otherwise when its rough URL key is in the allow-list
// built from known pages.
type KnownPagesFilter struct {
	domainsWithPages    map[string]bool
	domainsWithEmptyKey map[string]bool
	allowedKeys         map[string]bool
}

// BuildKnownPagesFilter constructs a KnownPagesFilter and the deduplicated
// domain patterns (`http://<domain>/*`) to search, from a flat list of known
// pages. A domain is flagged for the IsPage fallback once one of its pages
// reports an empty url_key (per original_source/web_monitoring/cli.py's
// `_get_db_page_url_info`), regardless of whether its other pages have real
// url_keys; an empty url_key is never itself added to the allow-list.
func BuildKnownPagesFilter(pages []KnownPage) (*KnownPagesFilter, []string) {
	f := &KnownPagesFilter{
		domainsWithPages:    make(map[string]bool),
		domainsWithEmptyKey: make(map[string]bool),
		allowedKeys:         make(map[string]bool),
	}
	domainSet := make(map[string]bool)

	for _, p := range pages {
		u, err := url.Parse(p.URL)
		if err != nil || u.Host == "" {
			continue
		}
		domain := StripWWWNumberedPrefix(normalizeHost(u.Host))
		domainSet[domain] = true
		f.domainsWithPages[domain] = true

		if p.URLKey == "" {
			f.domainsWithEmptyKey[domain] = true
			continue
		}
		f.allowedKeys[RoughURLKey(p.URLKey)] = true
	}

	patterns := make([]string, 0, len(domainSet))
	for domain := range domainSet {
		patterns = append(patterns, "http://"+domain+"/*")
	}
	return f, patterns
}

// Allows reports whether record should be kept, per spec.md §4.7.
func (f *KnownPagesFilter) Allows(record CdxRecord) bool {
	u, err := url.Parse(record.OriginalURL)
	if err != nil || u.Host == "" {
		return IsPage(record)
	}
	domain := StripWWWNumberedPrefix(normalizeHost(u.Host))
	if !f.domainsWithPages[domain] || f.domainsWithEmptyKey[domain] {
		return IsPage(record)
	}
	return f.allowedKeys[RoughURLKey(record.URLKey)]
}
