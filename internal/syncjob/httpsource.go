package syncjob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSource fetches history pages from a channel gateway process over its
// internal HTTP API. One gateway serves every channel type; the type is part
// of the path.
type HTTPSource struct {
	baseURL     string
	channelType string
	client      *http.Client
}

func NewHTTPSource(baseURL, channelType string) *HTTPSource {
	return &HTTPSource{
		baseURL:     baseURL,
		channelType: channelType,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type fetchPageRequest struct {
	InstanceID string `json:"instance_id"`
	JobType    string `json:"job_type"`
	Config     Config `json:"config"`
	Cursor     string `json:"cursor,omitempty"`
	BatchSize  int    `json:"batch_size"`
}

type fetchPageResponse struct {
	Items          []Item `json:"items"`
	NextCursor     string `json:"next_cursor,omitempty"`
	TotalEstimated *int   `json:"total_estimated,omitempty"`
}

func (s *HTTPSource) FetchPage(ctx context.Context, req FetchRequest) (Page, error) {
	body, err := json.Marshal(fetchPageRequest{
		InstanceID: req.InstanceID,
		JobType:    req.JobType,
		Config:     req.Config,
		Cursor:     req.Cursor,
		BatchSize:  req.BatchSize,
	})
	if err != nil {
		return Page{}, fmt.Errorf("marshal fetch request: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/history/fetch", s.baseURL, s.channelType)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("build fetch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Page{}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch page: gateway returned %s", resp.Status)
	}

	var out fetchPageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Page{}, fmt.Errorf("decode fetch response: %w", err)
	}

	return Page{Items: out.Items, NextCursor: out.NextCursor, TotalEstimated: out.TotalEstimated}, nil
}
