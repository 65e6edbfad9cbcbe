package wayback

import (
	"context"
	"time"
)

// DefaultPageSize is the CDX page size used for version listings, chosen to
// keep individual pages small enough to retry cheaply.
const DefaultPageSize = 2

// VersionLister lists the distinct versions (by content digest) of a URL,
// collapsing consecutive identical digests the way the CDX "collapse=digest"
// option does server-side, plus a belt-and-suspenders client-side check for
// the boundary between pages.
type VersionLister struct {
	it          *CDXIterator
	lastDigest  map[string]string // keyed by CdxRecord.OriginalURL
	seenAny     bool
	originalURL string
	count       int
}

// ListVersions begins a version listing for urlPattern. matchType controls
// how the Archive matches the pattern (exact, prefix, host, domain); pass ""
// for the Archive's default (exact).
func ListVersions(session *Session, limits *Limiters, urlPattern, matchType string, from, to time.Time) *VersionLister {
	opts := NewSearchOptions(urlPattern)
	opts.Collapse = "digest"
	opts.MatchType = matchType
	opts.FromDate = from
	opts.ToDate = to
	opts = opts.WithPageSize(DefaultPageSize)

	return &VersionLister{
		it:          NewCDXIterator(session, limits, opts),
		lastDigest:  make(map[string]string),
		originalURL: urlPattern,
	}
}

// Next returns the next distinct version, skipping any record whose digest
// repeats the immediately preceding one *for the same OriginalURL* (the
// server-side collapse should already have done this, but pagination
// boundaries can let a duplicate slip through). Suppression is scoped per
// OriginalURL since a single pattern (e.g. a known-pages domain wildcard)
// can span many distinct pages in one CDX stream.
func (v *VersionLister) Next(ctx context.Context) (CdxRecord, bool, error) {
	for {
		record, ok, err := v.it.Next(ctx)
		if err != nil {
			return CdxRecord{}, false, err
		}
		if !ok {
			if !v.seenAny {
				return CdxRecord{}, false, &NoVersionsError{URL: v.originalURL}
			}
			return CdxRecord{}, false, nil
		}
		if last, seen := v.lastDigest[record.OriginalURL]; seen && record.Digest == last {
			continue
		}
		v.seenAny = true
		v.lastDigest[record.OriginalURL] = record.Digest
		v.count++
		return record, true, nil
	}
}

// Count returns the number of distinct versions yielded so far.
func (v *VersionLister) Count() int { return v.count }
