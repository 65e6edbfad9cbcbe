package wayback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPageExcludesSubresources(t *testing.T) {
	assert.False(t, IsPage(CdxRecord{MimeType: "text/css", OriginalURL: "http://example.com/style.css"}))
	assert.False(t, IsPage(CdxRecord{MimeType: "text/html", OriginalURL: "http://example.com/app.js"}))
	assert.True(t, IsPage(CdxRecord{MimeType: "text/html", OriginalURL: "http://example.com/page"}))
}

func TestBuildKnownPagesFilterDedupesDomainsAndAllowsKnownKeys(t *testing.T) {
	pages := []KnownPage{
		{URL: "http://www.example.com/a", URLKey: "com,example)/a"},
		{URL: "http://www2.example.com/b", URLKey: "com,example)/b"},
	}
	filter, patterns := BuildKnownPagesFilter(pages)
	assert.Equal(t, []string{"http://example.com/*"}, patterns)

	assert.True(t, filter.Allows(CdxRecord{OriginalURL: "http://example.com/a", URLKey: "com,example)/a"}))
	assert.False(t, filter.Allows(CdxRecord{OriginalURL: "http://example.com/unknown-page", URLKey: "com,example)/unknown-page", MimeType: "text/html"}))
}

func TestKnownPagesFilterFallsBackToIsPageForUnknownDomains(t *testing.T) {
	filter, _ := BuildKnownPagesFilter(nil)
	assert.True(t, filter.Allows(CdxRecord{OriginalURL: "http://other.com/page", MimeType: "text/html"}))
	assert.False(t, filter.Allows(CdxRecord{OriginalURL: "http://other.com/app.js", MimeType: "application/javascript"}))
}

func TestKnownPagesFilterFallsBackToIsPageForDomainWithAnyEmptyURLKey(t *testing.T) {
	// example.com has one page with a real url_key and one with an empty
	// one; the empty one must still route the whole domain to IsPage,
	// rather than only the allow-list built from its valid key.
	pages := []KnownPage{
		{URL: "http://example.com/known", URLKey: "com,example)/known"},
		{URL: "http://example.com/untracked", URLKey: ""},
	}
	filter, _ := BuildKnownPagesFilter(pages)

	// A page never listed at all, but still under the flagged domain: IsPage
	// decides, not the allow-list built from /known's url_key.
	assert.True(t, filter.Allows(CdxRecord{OriginalURL: "http://example.com/other-page", URLKey: "com,example)/other-page", MimeType: "text/html"}))
	assert.False(t, filter.Allows(CdxRecord{OriginalURL: "http://example.com/style.css", URLKey: "com,example)/style.css", MimeType: "text/css"}))
}
