package wayback

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CDXSearchURL is the Archive's CDX index endpoint. It's a var rather than a
// const so tests can point it at a local fake server.
var CDXSearchURL = "http://web.archive.org/cdx/search/cdx"

// unsupportedCDXOptions is authoritative per spec.md §4.3: passing any of
// these is a programming error, not a query we silently adjust.
var unsupportedCDXOptions = map[string]bool{
	"output": true, "fl": true, "showDupeCount": true, "showSkipCount": true,
	"lastSkipTimestamp": true, "showNumPages": true, "showPagedIndex": true,
}

// SearchOptions are the recognized CDX query options from spec.md §4.3.
type SearchOptions struct {
	URL                 string
	MatchType           string // exact, prefix, host, domain
	Limit               int
	Offset              int
	FastLatest          bool
	Gzip                bool
	FromDate            time.Time
	ToDate              time.Time
	FilterField         string
	Collapse            string
	ShowResumeKey       bool // default true; set via NewSearchOptions
	ResumeKey           string
	Page                int
	PageSize            int
	ResolveRevisits     bool // default true; set via NewSearchOptions
	SkipMalformedResults bool // default true; set via NewSearchOptions

	hasLimit, hasOffset, hasPage, hasPageSize bool
	hasFastLatest, hasGzip                    bool

	extra map[string]string
}

// NewSearchOptions returns options with the spec's documented defaults:
// ShowResumeKey, ResolveRevisits, and SkipMalformedResults all true.
func NewSearchOptions(urlPattern string) SearchOptions {
	return SearchOptions{
		URL:                  urlPattern,
		ShowResumeKey:        true,
		ResolveRevisits:      true,
		SkipMalformedResults: true,
	}
}

func (o SearchOptions) withLimit(n int) SearchOptions     { o.Limit = n; o.hasLimit = true; return o }
func (o SearchOptions) withOffset(n int) SearchOptions    { o.Offset = n; o.hasOffset = true; return o }
func (o SearchOptions) withPage(n int) SearchOptions      { o.Page = n; o.hasPage = true; return o }
func (o SearchOptions) withPageSize(n int) SearchOptions  { o.PageSize = n; o.hasPageSize = true; return o }

// WithLimit, WithOffset, WithPage, and WithPageSize record that the field was
// explicitly set (as opposed to its Go zero value meaning "unset").
func (o SearchOptions) WithLimit(n int) SearchOptions    { return o.withLimit(n) }
func (o SearchOptions) WithOffset(n int) SearchOptions   { return o.withOffset(n) }
func (o SearchOptions) WithPage(n int) SearchOptions     { return o.withPage(n) }
func (o SearchOptions) WithPageSize(n int) SearchOptions { return o.withPageSize(n) }

// WithRawOption sets an additional CDX query parameter with no dedicated
// SearchOptions field, rejecting any name spec.md §4.3 forbids passing
// through to the endpoint.
func (o SearchOptions) WithRawOption(name, value string) (SearchOptions, error) {
	if err := ValidateCDXOption(name); err != nil {
		return o, err
	}
	extra := make(map[string]string, len(o.extra)+1)
	for k, v := range o.extra {
		extra[k] = v
	}
	extra[name] = value
	o.extra = extra
	return o, nil
}

// queryValues builds the wire query for this page of the search.
func (o SearchOptions) queryValues() url.Values {
	v := url.Values{}
	v.Set("url", o.URL)
	if o.MatchType != "" {
		v.Set("matchType", o.MatchType)
	}
	if o.hasLimit {
		v.Set("limit", fmt.Sprintf("%d", o.Limit))
	}
	if o.hasOffset {
		v.Set("offset", fmt.Sprintf("%d", o.Offset))
	}
	if o.hasFastLatest {
		v.Set("fastLatest", boolString(o.FastLatest))
	}
	if o.hasGzip {
		v.Set("gzip", boolString(o.Gzip))
	}
	if !o.FromDate.IsZero() {
		v.Set("from", o.FromDate.UTC().Format(URLDateFormat))
	}
	if !o.ToDate.IsZero() {
		v.Set("to", o.ToDate.UTC().Format(URLDateFormat))
	}
	if o.FilterField != "" {
		v.Set("filter", o.FilterField)
	}
	if o.Collapse != "" {
		v.Set("collapse", o.Collapse)
	}
	v.Set("showResumeKey", boolString(o.ShowResumeKey))
	if o.ResumeKey != "" {
		v.Set("resumeKey", o.ResumeKey)
	}
	v.Set("resolveRevisits", boolString(o.ResolveRevisits))
	if o.hasPage {
		v.Set("page", fmt.Sprintf("%d", o.Page))
	}
	if o.hasPageSize {
		// Resolved Open Question (spec.md §9(a)): wire pageSize from the
		// caller's PageSize, not from Page.
		v.Set("pageSize", fmt.Sprintf("%d", o.PageSize))
	}
	for name, value := range o.extra {
		v.Set(name, value)
	}
	return v
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// ValidateCDXOption returns InvalidArgumentError if name is one of the
// options spec.md §4.3 forbids passing through to the CDX endpoint.
func ValidateCDXOption(name string) error {
	if unsupportedCDXOptions[name] {
		return &InvalidArgumentError{Argument: name}
	}
	return nil
}

// CdxRecord is one line of a CDX search result, plus the derived memento
// URLs a caller will actually want to fetch.
type CdxRecord struct {
	URLKey      string
	Timestamp   string
	OriginalURL string
	MimeType    string
	StatusCode  string
	Digest      string
	Length      string
	CapturedAt  time.Time

	RawMementoURL  string
	ViewURL        string
}

// CDXIterator is a pull-based, lazily-paginating CDX search. Call Next
// repeatedly until it returns (CdxRecord{}, false, nil); after that, Count
// reports the total number of records yielded across all pages.
type CDXIterator struct {
	session *Session
	limits  *Limiters
	opts    SearchOptions

	lines *bufio.Scanner
	body  []byte
	count int
	err   error
	done  bool
}

// NewCDXIterator begins a CDX search. The request isn't sent until the
// first call to Next.
func NewCDXIterator(session *Session, limits *Limiters, opts SearchOptions) *CDXIterator {
	return &CDXIterator{session: session, limits: limits, opts: opts}
}

// Next advances the iterator, fetching additional pages via the resume key
// as needed. It returns (record, true, nil) for each yielded CdxRecord,
// (zero, false, nil) once exhausted, and (zero, false, err) on fatal error.
func (it *CDXIterator) Next(ctx context.Context) (CdxRecord, bool, error) {
	for {
		if it.err != nil {
			return CdxRecord{}, false, it.err
		}
		if it.lines == nil {
			if it.done {
				return CdxRecord{}, false, nil
			}
			if err := it.fetchPage(ctx); err != nil {
				it.err = err
				return CdxRecord{}, false, err
			}
			continue
		}

		if !it.lines.Scan() {
			it.lines = nil
			it.done = true
			continue
		}
		text := it.lines.Text()

		if text == "" {
			// Blank line: the next line is the resume key for the next page.
			if !it.lines.Scan() {
				it.lines = nil
				it.done = true
				continue
			}
			it.opts.ResumeKey = it.lines.Text()
			it.lines = nil
			continue
		}

		record, ok, err := parseCDXLine(text, it.opts.SkipMalformedResults)
		if err != nil {
			it.err = err
			return CdxRecord{}, false, err
		}
		if !ok {
			continue
		}
		it.count++
		return record, true, nil
	}
}

// Count returns the total number of records yielded so far (the final value
// once Next has reported exhaustion).
func (it *CDXIterator) Count() int { return it.count }

func (it *CDXIterator) fetchPage(ctx context.Context) error {
	values := it.opts.queryValues()
	reqURL := CDXSearchURL + "?" + values.Encode()

	if err := it.limits.Wait(ctx, "cdx_search"); err != nil {
		return err
	}
	resp, err := it.session.Send(ctx, "GET", reqURL, true)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: reqURL}
	}

	it.body = resp.Body
	it.lines = bufio.NewScanner(bytes.NewReader(it.body))
	it.lines.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return nil
}

// parseCDXLine parses one CDX response line into a CdxRecord. Malformed
// lines raise UnexpectedResponseFormatError; lines whose cleaned URL looks
// malformed (data:/mailto:/email-like) are silently dropped when
// skipMalformed is set.
func parseCDXLine(line string, skipMalformed bool) (CdxRecord, bool, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return CdxRecord{}, false, &UnexpectedResponseFormatError{Line: line}
	}

	capturedAt, err := time.Parse(URLDateFormat, fields[1])
	if err != nil {
		return CdxRecord{}, false, &UnexpectedResponseFormatError{Line: line}
	}

	cleanURL := CanonicalizeRedundantPort(fields[2])
	if skipMalformed && IsMalformedURL(cleanURL) {
		return CdxRecord{}, false, nil
	}

	record := CdxRecord{
		URLKey:      fields[0],
		Timestamp:   fields[1],
		OriginalURL: cleanURL,
		MimeType:    fields[3],
		StatusCode:  fields[4],
		Digest:      fields[5],
		Length:      fields[6],
		CapturedAt:  capturedAt,
	}
	record.RawMementoURL = fmt.Sprintf(ArchiveRawURLTemplate, record.Timestamp, record.OriginalURL)
	record.ViewURL = fmt.Sprintf(ArchiveViewURLTemplate, record.Timestamp, record.OriginalURL)
	return record, true, nil
}
