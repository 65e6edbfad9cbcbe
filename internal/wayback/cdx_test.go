package wayback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCDXLine(t *testing.T) {
	line := "com,example)/ 20200101000000 http://example.com/ text/html 200 ABCDEF1234567890ABCDEF1234567890ABCDEFGH 1234"
	record, ok, err := parseCDXLine(line, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://example.com/", record.OriginalURL)
	assert.Equal(t, "20200101000000", record.Timestamp)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), record.CapturedAt)
	assert.Equal(t, "http://web.archive.org/web/20200101000000id_/http://example.com/", record.RawMementoURL)
}

func TestParseCDXLineSkipsMalformedWhenRequested(t *testing.T) {
	line := "com,example)/ 20200101000000 mailto:foo@example.com text/html 200 DIGEST 10"
	_, ok, err := parseCDXLine(line, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseCDXLineRejectsWrongFieldCount(t *testing.T) {
	_, _, err := parseCDXLine("too few fields", true)
	var formatErr *UnexpectedResponseFormatError
	assert.ErrorAs(t, err, &formatErr)
}

func TestCDXIteratorPaginatesViaResumeKey(t *testing.T) {
	page1 := "com,example)/ 20200101000000 http://example.com/ text/html 200 D1 10\n\nRESUME1\n"
	page2 := "com,example)/ 20200102000000 http://example.com/ text/html 200 D2 10\n"

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("resumeKey") == "RESUME1" {
			_, _ = w.Write([]byte(page2))
			return
		}
		_, _ = w.Write([]byte(page1))
	}))
	defer srv.Close()

	original := CDXSearchURL
	CDXSearchURL = srv.URL
	defer func() { CDXSearchURL = original }()

	session := NewSession(1, time.Millisecond, 0, "")
	limits := NewLimiters()
	it := NewCDXIterator(session, limits, NewSearchOptions("http://example.com/"))

	var records []CdxRecord
	for {
		record, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		records = append(records, record)
	}

	require.Len(t, records, 2)
	assert.Equal(t, "D1", records[0].Digest)
	assert.Equal(t, "D2", records[1].Digest)
	assert.Equal(t, 2, it.Count())
	assert.Equal(t, 2, calls)
}

func TestCDXIteratorPropagatesMalformedLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not enough fields\n"))
	}))
	defer srv.Close()

	original := CDXSearchURL
	CDXSearchURL = srv.URL
	defer func() { CDXSearchURL = original }()

	session := NewSession(1, time.Millisecond, 0, "")
	limits := NewLimiters()
	it := NewCDXIterator(session, limits, NewSearchOptions("http://example.com/"))

	_, _, err := it.Next(context.Background())
	var formatErr *UnexpectedResponseFormatError
	assert.ErrorAs(t, err, &formatErr)
}

func TestValidateCDXOptionRejectsForbiddenNames(t *testing.T) {
	assert.Error(t, ValidateCDXOption("showNumPages"))
	assert.NoError(t, ValidateCDXOption("matchType"))
}

func TestSearchOptionsWithRawOptionRejectsForbiddenNamesAndSetsOthers(t *testing.T) {
	bare := NewSearchOptions("http://example.com/")

	_, err := bare.WithRawOption("showNumPages", "true")
	var invalidArg *InvalidArgumentError
	assert.ErrorAs(t, err, &invalidArg)

	withExtra, err := bare.WithRawOption("requestedAt", "20200101000000")
	require.NoError(t, err)
	assert.Equal(t, "20200101000000", withExtra.queryValues().Get("requestedAt"))

	// The original options are untouched (value receiver, no shared map).
	assert.False(t, bare.queryValues().Has("requestedAt"))
}

func TestSearchOptionsWithBuildersSetExplicitZeroValues(t *testing.T) {
	bare := NewSearchOptions("http://example.com/")
	values := bare.queryValues()
	assert.False(t, values.Has("limit"))
	assert.False(t, values.Has("offset"))
	assert.False(t, values.Has("page"))
	assert.False(t, values.Has("pageSize"))

	explicit := bare.WithLimit(0).WithOffset(0).WithPage(0).WithPageSize(0)
	values = explicit.queryValues()
	assert.Equal(t, "0", values.Get("limit"))
	assert.Equal(t, "0", values.Get("offset"))
	assert.Equal(t, "0", values.Get("page"))
	assert.Equal(t, "0", values.Get("pageSize"))
}
