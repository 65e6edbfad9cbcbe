package wayback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMementoURL(t *testing.T) {
	original, timestamp, err := SplitMementoURL("http://web.archive.org/web/20180101000000id_/http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", original)
	assert.Equal(t, "20180101000000", timestamp)

	_, _, err = SplitMementoURL("http://example.com/not-a-memento")
	var notMemento *ErrNotMementoURL
	assert.ErrorAs(t, err, &notMemento)
}

func TestCleanMementoURLComponent(t *testing.T) {
	assert.Equal(t, "http://example.com/?q=1",
		CleanMementoURLComponent("http%3A%2F%2Fexample.com%2F%3Fq%3D1"))
	assert.Equal(t, "http://example.com/?q=%2F", CleanMementoURLComponent("http://example.com/?q=%2F"))
}

func TestMementoURLDataRoundTrip(t *testing.T) {
	original, at, err := MementoURLData("http://web.archive.org/web/20200101120000id_/http://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/page", original)
	assert.Equal(t, time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC), at)
}

func TestIsMalformedURL(t *testing.T) {
	cases := map[string]bool{
		"http://example.com/":                        false,
		"data:image/png;base64,AAAA":                 true,
		"mailto:first.last@example.com":               true,
		"http://first.last@example.com/":              true,
		"http://<<mailto:first.last@example.com>>/":   true,
	}
	for u, want := range cases {
		assert.Equal(t, want, IsMalformedURL(u), u)
	}
}

func TestCanonicalizeRedundantPort(t *testing.T) {
	assert.Equal(t, "http://example.com/path", CanonicalizeRedundantPort("http://example.com:80/path"))
	assert.Equal(t, "https://example.com/path", CanonicalizeRedundantPort("https://example.com:443/path"))
	assert.Equal(t, "http://example.com:8080/path", CanonicalizeRedundantPort("http://example.com:8080/path"))
}

func TestRoughURLKeyIsIdempotentAndStripsQueryFragment(t *testing.T) {
	key := "com,example)/page/index.html?a=1#frag"
	once := RoughURLKey(key)
	twice := RoughURLKey(once)
	assert.Equal(t, once, twice)

	withQuery := RoughURLKey("com,example)/page?a=1")
	withoutQuery := RoughURLKey("com,example)/page")
	assert.Equal(t, withoutQuery, withQuery)
}

func TestStripWWWNumberedPrefix(t *testing.T) {
	assert.Equal(t, "example.com", StripWWWNumberedPrefix("www.example.com"))
	assert.Equal(t, "example.com", StripWWWNumberedPrefix("www2.example.com"))
	assert.Equal(t, "other.com", StripWWWNumberedPrefix("other.com"))
}
