package wayback

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
)

// BatchSize is the number of CDX records the producer hands to one round of
// workers at a time.
const BatchSize = 2000

// DefaultWorkerCount is used when ImportOptions.WorkerCount is unset.
const DefaultWorkerCount = 10

// SkipUnchanged selects how aggressively consecutive identical versions of
// the same page are suppressed before reaching the Store.
type SkipUnchanged string

const (
	// SkipUnchangedNone applies no duplicate suppression.
	SkipUnchangedNone SkipUnchanged = "none"
	// SkipUnchangedResponse collapses consecutive identical CDX digests
	// during CDX traversal, before any memento is even fetched.
	SkipUnchangedResponse SkipUnchanged = "response"
	// SkipUnchangedResolvedResponse additionally suppresses consecutive
	// versions whose post-fetch body hash matches, per page_url.
	SkipUnchangedResolvedResponse SkipUnchanged = "resolved-response"
)

// ImportOptions configures one run of ImportArchiveURLs.
type ImportOptions struct {
	URLPatterns   []string
	From, To      time.Time
	Maintainers   []string
	Tags          []string
	SkipUnchanged SkipUnchanged
	VersionFilter func(CdxRecord) bool
	WorkerCount   int
	CreatePages   bool

	// Progress receives one Inc() per CDX record a worker finishes handling
	// (success, playback error, missing, or unknown). Nil disables reporting.
	Progress *Progress

	// CDXProgress receives one Inc() per CDX record pulled from the Archive's
	// index, across every URL pattern. Nil disables reporting.
	CDXProgress *Progress
}

func (o ImportOptions) workerCount() int {
	if o.WorkerCount < 1 {
		return DefaultWorkerCount
	}
	return o.WorkerCount
}

// durationFromSeconds lets the fractional-second timeouts spec.md specifies
// (30.5s, 60.5s) be expressed exactly.
func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func newNormalSession() *Session {
	return NewSession(4, 2*time.Second, durationFromSeconds(30.5), "")
}

func newEscalatedSession() *Session {
	return NewSession(8, 4*time.Second, durationFromSeconds(60.5), "")
}

func newCDXListingSession() *Session {
	return NewSession(10, 4*time.Second, 0, "")
}

// recordSource is the pull-based interface shared by a plain CDXIterator and
// a collapsing VersionLister, so the producer doesn't need to care which
// kind of duplicate suppression (if any) is active.
type recordSource interface {
	Next(ctx context.Context) (CdxRecord, bool, error)
}

func newRecordSource(session *Session, limits *Limiters, pattern string, opts ImportOptions) recordSource {
	if opts.SkipUnchanged == SkipUnchangedNone {
		so := NewSearchOptions(pattern)
		so.FromDate = opts.From
		so.ToDate = opts.To
		return NewCDXIterator(session, limits, so)
	}
	return ListVersions(session, limits, pattern, "", opts.From, opts.To)
}

// ImportArchiveURLs is the top-level pipeline orchestrator: it discovers
// CDX records for every pattern in opts.URLPatterns, fetches a memento per
// record with a bounded worker pool, retries soft failures once in an
// escalated pass, and streams resulting VersionDocuments to store as it
// goes. It returns the merged WorkerSummary and any per-job errors the
// Store reported.
func ImportArchiveURLs(ctx context.Context, limits *Limiters, store Store, opts ImportOptions) (WorkerSummary, []ImportError, error) {
	versions := make(chan *VersionDocument, opts.workerCount()*2)

	g, gctx := errgroup.WithContext(ctx)

	var uploadErrs []ImportError
	g.Go(func() error {
		errs, err := runUploader(gctx, store, versions, opts.SkipUnchanged, opts.CreatePages)
		uploadErrs = errs
		return err
	})

	var summary WorkerSummary
	g.Go(func() error {
		defer close(versions)
		s, err := runFetchPhases(gctx, limits, versions, opts)
		summary = s
		return err
	})

	err := g.Wait()
	opts.Progress.Finish()
	if err != nil {
		return summary, uploadErrs, err
	}
	return summary, uploadErrs, nil
}

// runFetchPhases runs the serial CDX producer over every URL pattern,
// fanning each batch out to a worker pool, then (if any record needs it)
// one escalated retry pass over everything the first pass couldn't resolve.
func runFetchPhases(ctx context.Context, limits *Limiters, versions chan<- *VersionDocument, opts ImportOptions) (WorkerSummary, error) {
	var summary WorkerSummary
	var retryItems []CdxRecord

	listingSession := newCDXListingSession()
	fetchSession := newNormalSession()

	for _, pattern := range opts.URLPatterns {
		source := newRecordSource(listingSession, limits, pattern, opts)
		for {
			batch, err := nextBatch(ctx, source, BatchSize, opts.CDXProgress)
			if err != nil {
				var noVersions *NoVersionsError
				if errors.As(err, &noVersions) {
					// Raised only when the whole traversal yielded nothing;
					// log and move on to the next pattern rather than
					// aborting the run.
					log.Printf("no archived versions found for %s", pattern)
					break
				}
				return summary, err
			}
			if len(batch) == 0 {
				break
			}

			cursor := newBatchCursor(batch)
			batchSummary, batchRetries, err := runWorkerBatch(ctx, limits, fetchSession, cursor, versions, opts, false)
			if err != nil {
				return summary, err
			}
			summary.Merge(batchSummary)
			retryItems = append(retryItems, batchRetries...)

			if len(batch) < BatchSize {
				break
			}
		}
	}

	if len(retryItems) > 0 {
		escalatedSession := newEscalatedSession()
		cursor := newBatchCursor(retryItems)
		retrySummary, _, err := runWorkerBatch(ctx, limits, escalatedSession, cursor, versions, opts, true)
		if err != nil {
			return summary, err
		}
		summary.ApplyRetryResults(retrySummary.Success)
	}

	opts.CDXProgress.Finish()
	return summary, nil
}

// nextBatch pulls up to size records from source, advancing progress once
// per record pulled.
func nextBatch(ctx context.Context, source recordSource, size int, progress *Progress) ([]CdxRecord, error) {
	batch := make([]CdxRecord, 0, size)
	for len(batch) < size {
		record, ok, err := source.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		batch = append(batch, record)
		progress.Inc()
	}
	return batch, nil
}

// batchCursor is a thread-safe, exactly-once record dispenser shared by a
// round of workers.
type batchCursor struct {
	mu      sync.Mutex
	records []CdxRecord
	idx     int
}

func newBatchCursor(records []CdxRecord) *batchCursor {
	return &batchCursor{records: records}
}

func (b *batchCursor) next() (CdxRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idx >= len(b.records) {
		return CdxRecord{}, false
	}
	r := b.records[b.idx]
	b.idx++
	return r, true
}

// runWorkerBatch spawns opts.workerCount() workers over a pooled goroutine
// set, each draining cursor until exhausted, and returns the merged summary
// plus (on a non-retry pass) the records that need an escalated retry.
func runWorkerBatch(ctx context.Context, limits *Limiters, session *Session, cursor *batchCursor, versions chan<- *VersionDocument, opts ImportOptions, isRetryPass bool) (WorkerSummary, []CdxRecord, error) {
	pool, err := ants.NewPool(opts.workerCount())
	if err != nil {
		return WorkerSummary{}, nil, err
	}
	defer pool.Release()

	var (
		mu      sync.Mutex
		summary WorkerSummary
		retries []CdxRecord
		wg      sync.WaitGroup
		firstErr error
	)

	worker := func() {
		defer wg.Done()
		for {
			record, ok := cursor.next()
			if !ok {
				return
			}
			if opts.VersionFilter != nil && !opts.VersionFilter(record) {
				continue
			}

			mu.Lock()
			summary.Total++
			mu.Unlock()

			doc, fetchErr := fetchOne(ctx, session, limits, record, opts)
			opts.Progress.Inc()
			switch {
			case fetchErr == nil:
				mu.Lock()
				summary.Success++
				mu.Unlock()
				select {
				case versions <- doc:
				case <-ctx.Done():
					return
				}
			case isPlaybackError(fetchErr):
				mu.Lock()
				summary.Playback++
				mu.Unlock()
			case isMissing(fetchErr):
				mu.Lock()
				summary.Missing++
				mu.Unlock()
			default:
				mu.Lock()
				summary.Unknown++
				if !isRetryPass {
					retries = append(retries, record)
				}
				mu.Unlock()
			}
		}
	}

	for i := 0; i < opts.workerCount(); i++ {
		wg.Add(1)
		if err := pool.Submit(worker); err != nil {
			wg.Done()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	wg.Wait()

	return summary, retries, firstErr
}

func fetchOne(ctx context.Context, session *Session, limits *Limiters, record CdxRecord, opts ImportOptions) (*VersionDocument, error) {
	result, err := FetchMemento(ctx, session, limits, record.RawMementoURL, 0)
	if err != nil {
		return nil, err
	}
	return BuildVersionDocument(result, record, record.OriginalURL, opts.Maintainers, opts.Tags), nil
}

func isPlaybackError(err error) bool {
	var playbackErr *MementoPlaybackError
	return errors.As(err, &playbackErr)
}

func isMissing(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 404
	}
	return false
}

// runUploader drains versions, optionally suppressing consecutive
// identical-hash versions per page_url, batches them to the Store, and
// finally polls every submitted job to completion.
func runUploader(ctx context.Context, store Store, versions <-chan *VersionDocument, skipUnchanged SkipUnchanged, createPages bool) ([]ImportError, error) {
	const uploadChunkSize = 100

	lastHash := make(map[string]string)
	pending := make([]*VersionDocument, 0, uploadChunkSize)
	var allIDs []ImportJobID

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		ids, err := store.AddVersions(ctx, pending, createPages, skipUnchanged != SkipUnchangedNone)
		if err != nil {
			return err
		}
		allIDs = append(allIDs, ids...)
		pending = make([]*VersionDocument, 0, uploadChunkSize)
		return nil
	}

	for doc := range versions {
		if skipUnchanged == SkipUnchangedResolvedResponse {
			if prev, ok := lastHash[doc.PageURL]; ok && prev == doc.VersionHash {
				continue
			}
			lastHash[doc.PageURL] = doc.VersionHash
		}
		pending = append(pending, doc)
		if len(pending) >= uploadChunkSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return store.MonitorImportStatuses(ctx, allIDs)
}
