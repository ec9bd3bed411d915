package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gridbase/compute/internal/logger"
)

// httpRecordSource adapts the record store's HTTP API to the engine's
// RecordSource interface. Timeouts come from the request context; the
// engine wraps every call in its configured source timeout.
type httpRecordSource struct {
	baseURL string
	client  *http.Client
}

func newHTTPRecordSource(baseURL string) *httpRecordSource {
	return &httpRecordSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *httpRecordSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("record store returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errNotFound = fmt.Errorf("not found")

func (s *httpRecordSource) FetchRecord(ctx context.Context, recordID string) (map[string]any, error) {
	var rec map[string]any
	err := s.get(ctx, "/records/"+url.PathEscape(recordID), &rec)
	if err == errNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *httpRecordSource) FetchField(ctx context.Context, recordID, field string) (any, error) {
	rec, err := s.FetchRecord(ctx, recordID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec[field], nil
}

type idPage struct {
	IDs        []string `json:"ids"`
	NextCursor string   `json:"nextCursor"`
}

func (s *httpRecordSource) FetchRelated(ctx context.Context, recordID, relationPath, cursor string, limit int) ([]string, string, error) {
	path := fmt.Sprintf("/records/%s/related/%s?cursor=%s&limit=%s",
		url.PathEscape(recordID), url.PathEscape(relationPath),
		url.QueryEscape(cursor), strconv.Itoa(limit))

	var page idPage
	if err := s.get(ctx, path, &page); err != nil {
		if err == errNotFound {
			return nil, "", nil
		}
		return nil, "", err
	}
	return page.IDs, page.NextCursor, nil
}

func (s *httpRecordSource) ListRecords(ctx context.Context, schemaID, cursor string, limit int) ([]string, string, error) {
	path := fmt.Sprintf("/schemas/%s/records?cursor=%s&limit=%s",
		url.PathEscape(schemaID), url.QueryEscape(cursor), strconv.Itoa(limit))

	var page idPage
	if err := s.get(ctx, path, &page); err != nil {
		return nil, "", err
	}
	return page.IDs, page.NextCursor, nil
}

// logObserver routes the engine's degradation reports into the structured
// log and the metrics counters.
type logObserver struct{}

func (logObserver) Degraded(recordID, fieldID string, err error) {
	logger.WarnDegradedRead()
	logger.Warn("computation degraded to cached value",
		"recordId", recordID, "fieldId", fieldID, "error", err)
}

func (logObserver) LookupUnresolved(recordID, fieldID, relationPath string) {
	logger.WarnLookupMiss()
	logger.Warn("lookup target missing",
		"recordId", recordID, "fieldId", fieldID, "relationPath", relationPath)
}

func (logObserver) ScheduleFailed(fieldID string, err error) {
	logger.ErrorScheduledRun()
	logger.Error("scheduled recompute failed", "fieldId", fieldID, "error", err)
}
