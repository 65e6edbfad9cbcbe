// Package storeclient implements wayback.Store against the monitoring
// datastore's HTTP API.
package storeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/edgi-govdata-archiving/wm-ia-ingest/internal/wayback"
)

// Client is an HTTP-backed wayback.Store. It authenticates either with a
// basic-auth email/password pair or a bearer API key, whichever is present
// in the environment it was built from.
type Client struct {
	baseURL    *url.URL
	email      string
	password   string
	apiKey     string
	httpClient *http.Client

	pollInterval time.Duration
}

// FromEnv builds a Client from WM_DB_URL, WM_DB_EMAIL, WM_DB_PASSWORD, and
// WM_DB_API_KEY. WM_DB_URL is required; either the email/password pair or
// the API key must be set.
func FromEnv() (*Client, error) {
	rawURL := os.Getenv("WM_DB_URL")
	if rawURL == "" {
		return nil, fmt.Errorf("WM_DB_URL is not set")
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse WM_DB_URL: %w", err)
	}

	email := os.Getenv("WM_DB_EMAIL")
	password := os.Getenv("WM_DB_PASSWORD")
	apiKey := os.Getenv("WM_DB_API_KEY")
	if apiKey == "" && (email == "" || password == "") {
		return nil, fmt.Errorf("either WM_DB_API_KEY or both WM_DB_EMAIL and WM_DB_PASSWORD must be set")
	}

	return &Client{
		baseURL:      base,
		email:        email,
		password:     password,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: 2 * time.Second,
	}, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return
	}
	req.SetBasicAuth(c.email, c.password)
}

func (c *Client) endpoint(p string) string {
	u := *c.baseURL
	u.Path = joinPath(u.Path, p)
	return u.String()
}

func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	if a[len(a)-1] == '/' {
		a = a[:len(a)-1]
	}
	if b != "" && b[0] != '/' {
		b = "/" + b
	}
	return a + b
}

type addVersionsRequest struct {
	CreatePages           bool                      `json:"create_pages"`
	SkipUnchangedVersions bool                      `json:"skip_unchanged_versions"`
	Versions              []versionPayload          `json:"versions"`
}

type versionPayload struct {
	PageURL         string            `json:"page_url"`
	PageMaintainers []string          `json:"page_maintainers,omitempty"`
	PageTags        []string          `json:"page_tags,omitempty"`
	Title           string            `json:"title"`
	CaptureTime     string            `json:"capture_time"`
	URI             string            `json:"uri"`
	VersionHash     string            `json:"version_hash"`
	SourceType      string            `json:"source_type"`
	SourceMetadata  sourceMetadataDTO `json:"source_metadata"`
}

type sourceMetadataDTO struct {
	StatusCode    int               `json:"status_code"`
	MimeType      string            `json:"mime_type"`
	Encoding      string            `json:"encoding"`
	Headers       map[string]string `json:"headers"`
	ViewURL       string            `json:"view_url"`
	ErrorCode     int               `json:"error_code,omitempty"`
	RedirectedURL string            `json:"redirected_url,omitempty"`
	Redirects     []string          `json:"redirects,omitempty"`
}

func toVersionPayload(v *wayback.VersionDocument) versionPayload {
	return versionPayload{
		PageURL:         v.PageURL,
		PageMaintainers: v.PageMaintainers,
		PageTags:        v.PageTags,
		Title:           v.Title,
		CaptureTime:     v.CaptureTime.UTC().Format(time.RFC3339),
		URI:             v.URI,
		VersionHash:     v.VersionHash,
		SourceType:      v.SourceType,
		SourceMetadata: sourceMetadataDTO{
			StatusCode:    v.SourceMetadata.StatusCode,
			MimeType:      v.SourceMetadata.MimeType,
			Encoding:      v.SourceMetadata.Encoding,
			Headers:       v.SourceMetadata.Headers,
			ViewURL:       v.SourceMetadata.ViewURL,
			ErrorCode:     v.SourceMetadata.ErrorCode,
			RedirectedURL: v.SourceMetadata.RedirectedURL,
			Redirects:     v.SourceMetadata.Redirects,
		},
	}
}

type addVersionsResponse struct {
	JobIDs []string `json:"job_ids"`
}

// AddVersions implements wayback.Store.
func (c *Client) AddVersions(ctx context.Context, versions []*wayback.VersionDocument, createPages, skipUnchangedVersions bool) ([]wayback.ImportJobID, error) {
	payload := addVersionsRequest{
		CreatePages:           createPages,
		SkipUnchangedVersions: skipUnchangedVersions,
		Versions:              make([]versionPayload, 0, len(versions)),
	}
	for _, v := range versions {
		payload.Versions = append(payload.Versions, toVersionPayload(v))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/versions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store rejected version batch: HTTP %d", resp.StatusCode)
	}

	var decoded addVersionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode add_versions response: %w", err)
	}

	ids := make([]wayback.ImportJobID, len(decoded.JobIDs))
	for i, id := range decoded.JobIDs {
		ids[i] = wayback.ImportJobID(id)
	}
	return ids, nil
}

type jobStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"` // "pending", "complete", "errored"
	Errors string `json:"errors"`
}

// MonitorImportStatuses implements wayback.Store, polling until every job
// reaches a terminal status ("complete" or "errored").
func (c *Client) MonitorImportStatuses(ctx context.Context, ids []wayback.ImportJobID) ([]wayback.ImportError, error) {
	pending := make(map[wayback.ImportJobID]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	var errs []wayback.ImportError
	for len(pending) > 0 {
		for id := range pending {
			status, err := c.jobStatus(ctx, id)
			if err != nil {
				return nil, err
			}
			switch status.Status {
			case "complete":
				delete(pending, id)
			case "errored":
				errs = append(errs, wayback.ImportError{JobID: id, Message: status.Errors})
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return errs, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
	return errs, nil
}

func (c *Client) jobStatus(ctx context.Context, id wayback.ImportJobID) (*jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/v1/import-jobs/"+string(id)), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store import-job status: HTTP %d", resp.StatusCode)
	}

	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode import-job status: %w", err)
	}
	return &status, nil
}

type listPagesResponse struct {
	Data []struct {
		URL    string `json:"url"`
		URLKey string `json:"url_key"`
	} `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// ListPages implements wayback.Store.
func (c *Client) ListPages(ctx context.Context, sort string, chunkSize int, chunk string, urlPattern string) (*wayback.PageList, error) {
	q := url.Values{}
	if sort != "" {
		q.Set("sort", sort)
	}
	if chunkSize > 0 {
		q.Set("chunk_size", strconv.Itoa(chunkSize))
	}
	if chunk != "" {
		q.Set("chunk", chunk)
	}
	if urlPattern != "" {
		q.Set("url", urlPattern)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/v1/pages")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store list_pages: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var decoded listPagesResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode list_pages response: %w", err)
	}

	page := &wayback.PageList{Next: decoded.Links.Next}
	for _, d := range decoded.Data {
		page.Data = append(page.Data, wayback.KnownPage{URL: d.URL, URLKey: d.URLKey})
	}
	return page, nil
}
