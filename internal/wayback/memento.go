package wayback

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// DefaultRedirectTargetWindow bounds how far a redirect's resolved target
// capture time may drift from the originally requested capture time before
// the redirect is rejected as implausible. See spec.md §4.5.
const DefaultRedirectTargetWindow = 12 * time.Hour

// originHeaderPrefix marks headers the Archive copied through from the
// originally captured response.
const originHeaderPrefix = "X-Archive-Orig-"

// FetchResult is the outcome of walking a memento's redirect chain to a
// final, playable response.
type FetchResult struct {
	RequestedURL string
	Final        *Response
	History      []*Response // intermediate responses that were followed, in order
}

// FetchMemento GETs mementoURL with automatic redirects disabled and walks
// the Archive's redirect chain, applying the transition rules:
//
//  1. A memento response with a further redirect is always followed.
//  2. A non-memento response with a further redirect is followed only when
//     the previous hop was a memento, the redirect target names the same
//     original URL (case-insensitive), and the target's captured-at instant
//     is within window of the originally requested captured-at instant.
//  3. Any other non-memento, non-terminal response fails: with the
//     Archive's own runtime-error message if present, otherwise as a
//     generic playback failure (any status under 400) or a propagated HTTP
//     status.
//  4. A response with no further redirect is the final result.
//
// A redirect target already visited in this chain fails with
// CircularMementoError. window overrides DefaultRedirectTargetWindow when
// nonzero.
func FetchMemento(ctx context.Context, session *Session, limits *Limiters, mementoURL string, window time.Duration) (*FetchResult, error) {
	if window == 0 {
		window = DefaultRedirectTargetWindow
	}

	_, originalRequestDate, err := MementoURLData(mementoURL)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{}
	current := mementoURL
	var prevWasMemento bool
	var history []*Response

	for {
		visited[current] = true

		if err := limits.Wait(ctx, GetMementoRateGroup); err != nil {
			return nil, err
		}
		resp, err := session.Send(ctx, "GET", current, false)
		if err != nil {
			return nil, err
		}

		isMemento := resp.HasMementoDatetime()
		hasNext := resp.Next != nil

		// A non-memento response needs a playability check before it can be
		// trusted: it might be the Wayback Machine's own error page rather
		// than a captured page, unless it's a redirect continuing a memento
		// chain to a nearby capture of the same original URL (rule 2).
		if !isMemento {
			playable := false
			if prevWasMemento && hasNext {
				curOriginal, curErr := OriginalURLForMemento(resp.URL.String())
				target, targetDate, targetErr := MementoURLData(resp.Next.String())
				if curErr == nil && targetErr == nil &&
					strings.EqualFold(curOriginal, target) &&
					absDuration(targetDate.Sub(originalRequestDate)) <= window {
					playable = true
				}
			}
			if !playable {
				if runtimeErr := resp.Header.Get("X-Archive-Wayback-Runtime-Error"); runtimeErr != "" {
					return nil, &MementoPlaybackError{URL: current, Message: runtimeErr}
				}
				// A status under 400 (including an un-resolvable 3xx, as
				// here) means the transport succeeded but the memento
				// itself isn't playable; only a genuine 4xx/5xx is a
				// transport-level HTTP error.
				if resp.StatusCode < 400 {
					return nil, &MementoPlaybackError{URL: current}
				}
				return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: current}
			}
		}

		if !hasNext {
			return &FetchResult{RequestedURL: mementoURL, Final: resp, History: history}, nil
		}

		next := resp.Next.String()
		if visited[next] {
			return nil, &CircularMementoError{URL: next}
		}
		history = append(history, resp)
		current = next
		prevWasMemento = isMemento
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// SourceTypeInternetArchive is the fixed source_type of every VersionDocument
// this package produces.
const SourceTypeInternetArchive = "internet_archive"

// SourceMetadata is the source_metadata block of a VersionDocument.
type SourceMetadata struct {
	StatusCode    int
	MimeType      string
	Encoding      string
	Headers       map[string]string
	ViewURL       string
	ErrorCode     int // zero means absent
	RedirectedURL string
	Redirects     []string
}

// VersionDocument is the payload delivered to the Store for one fetched
// memento.
type VersionDocument struct {
	PageURL         string
	PageMaintainers []string
	PageTags        []string
	Title           string
	CaptureTime     time.Time
	URI             string
	VersionHash     string
	SourceType      string
	SourceMetadata  SourceMetadata
}

// BuildVersionDocument constructs a VersionDocument from a completed
// FetchResult and the CdxRecord it was fetched for.
func BuildVersionDocument(result *FetchResult, record CdxRecord, pageURL string, maintainers, tags []string) *VersionDocument {
	final := result.Final
	mimeType := splitContentType(final.Header.Get("Content-Type"))

	doc := &VersionDocument{
		PageURL:         pageURL,
		PageMaintainers: maintainers,
		PageTags:        tags,
		Title:           extractTitle(final.Body),
		CaptureTime:     record.CapturedAt,
		URI:             result.RequestedURL,
		VersionHash:     sha256Hex(final.Body),
		SourceType:      SourceTypeInternetArchive,
		SourceMetadata: SourceMetadata{
			StatusCode: final.StatusCode,
			MimeType:   mimeType,
			Encoding:   final.Encoding,
			Headers:    originHeaders(final.Header),
			ViewURL:    record.ViewURL,
		},
	}
	if final.StatusCode >= 400 {
		doc.SourceMetadata.ErrorCode = final.StatusCode
	}

	if final.URL != nil && final.URL.String() != result.RequestedURL {
		if redirected, err := OriginalURLForMemento(final.URL.String()); err == nil {
			doc.SourceMetadata.RedirectedURL = redirected
			redirects := make([]string, 0, len(result.History)+1)
			for _, h := range result.History {
				if orig, err := OriginalURLForMemento(h.URL.String()); err == nil {
					redirects = append(redirects, orig)
				}
			}
			redirects = append(redirects, redirected)
			doc.SourceMetadata.Redirects = redirects
		}
	}

	return doc
}

// splitContentType returns the portion of a Content-Type header before its
// first ";", discarding any parameters (charset is captured separately via
// Response.Encoding).
func splitContentType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return strings.TrimSpace(contentType)
}

// originHeaders copies every header whose name begins (case-insensitively)
// with X-Archive-Orig-, stripping that prefix, to recover the headers the
// captured origin server actually sent.
func originHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string)
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), strings.ToLower(originHeaderPrefix)) {
			stripped := name[len(originHeaderPrefix):]
			out[stripped] = values[0]
		}
	}
	return out
}

// extractTitle returns the text content of the document's first <title>
// element, or "" if none is present or the body doesn't parse as HTML.
func extractTitle(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return title
}

func sha256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
