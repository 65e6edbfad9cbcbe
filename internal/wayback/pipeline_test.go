package wayback

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store double that accepts every submitted
// version and reports every job complete without error.
type fakeStore struct {
	mu       sync.Mutex
	versions []*VersionDocument
	jobs     int
}

func (s *fakeStore) AddVersions(ctx context.Context, versions []*VersionDocument, createPages, skipUnchangedVersions bool) ([]ImportJobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, versions...)
	s.jobs++
	return []ImportJobID{ImportJobID(fmt.Sprintf("job-%d", s.jobs))}, nil
}

func (s *fakeStore) MonitorImportStatuses(ctx context.Context, ids []ImportJobID) ([]ImportError, error) {
	return nil, nil
}

func (s *fakeStore) ListPages(ctx context.Context, sort string, chunkSize int, chunk string, urlPattern string) (*PageList, error) {
	return &PageList{}, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions)
}

// TestImportArchiveURLsEndToEnd wires a fake CDX index and a fake memento
// server together and drives the whole pipeline: CDX discovery, memento
// fetch, VersionDocument construction, and upload.
func TestImportArchiveURLsEndToEnd(t *testing.T) {
	mementoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/web/20200101000000id_/http://example.com/ok":
			w.Header().Set("Memento-Datetime", "Wed, 01 Jan 2020 00:00:00 GMT")
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html><title>OK Page</title></html>"))
		case "/web/20200102000000id_/http://example.com/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected memento request path %s", r.URL.Path)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer mementoSrv.Close()

	originalHost := MementoHost
	MementoHost = mementoSrv.Listener.Addr().String()
	defer func() { MementoHost = originalHost }()

	originalRaw, originalView := ArchiveRawURLTemplate, ArchiveViewURLTemplate
	ArchiveRawURLTemplate = mementoSrv.URL + "/web/%sid_/%s"
	ArchiveViewURLTemplate = mementoSrv.URL + "/web/%s/%s"
	defer func() {
		ArchiveRawURLTemplate = originalRaw
		ArchiveViewURLTemplate = originalView
	}()

	okDigest := CDXHash([]byte("<html><title>OK Page</title></html>"))
	missingDigest := CDXHash(nil)
	cdxBody := fmt.Sprintf(
		"com,example)/ok 20200101000000 http://example.com/ok text/html 200 %s 10\n"+
			"com,example)/missing 20200102000000 http://example.com/missing warc/revisit 404 %s 10\n",
		okDigest, missingDigest,
	)
	cdxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(cdxBody))
	}))
	defer cdxSrv.Close()

	originalCDX := CDXSearchURL
	CDXSearchURL = cdxSrv.URL
	defer func() { CDXSearchURL = originalCDX }()

	store := &fakeStore{}
	limits := NewLimiters()

	opts := ImportOptions{
		URLPatterns:   []string{"http://example.com/*"},
		SkipUnchanged: SkipUnchangedNone,
		WorkerCount:   2,
		CreatePages:   true,
		CDXProgress:   NewCDXProgress(),
		Progress:      NewImportProgress(-1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	summary, importErrs, err := ImportArchiveURLs(ctx, limits, store, opts)
	require.NoError(t, err)
	assert.Empty(t, importErrs)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Success)
	assert.Equal(t, 1, summary.Missing)
	assert.Equal(t, 0, summary.Playback)
	assert.Equal(t, 0, summary.Unknown)

	require.Equal(t, 1, store.count())
	assert.Equal(t, "OK Page", store.versions[0].Title)
	assert.Equal(t, "http://example.com/ok", store.versions[0].PageURL)
}

// TestImportArchiveURLsNoVersionsSkipsPatternAndContinues confirms a pattern
// with no CDX records doesn't abort the whole run.
func TestImportArchiveURLsNoVersionsSkipsPatternAndContinues(t *testing.T) {
	cdxSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(nil)
	}))
	defer cdxSrv.Close()

	originalCDX := CDXSearchURL
	CDXSearchURL = cdxSrv.URL
	defer func() { CDXSearchURL = originalCDX }()

	store := &fakeStore{}
	limits := NewLimiters()

	opts := ImportOptions{
		URLPatterns:   []string{"http://example.com/*"},
		SkipUnchanged: SkipUnchangedResponse,
		WorkerCount:   2,
	}

	summary, importErrs, err := ImportArchiveURLs(context.Background(), limits, store, opts)
	require.NoError(t, err)
	assert.Empty(t, importErrs)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 0, store.count())
}
