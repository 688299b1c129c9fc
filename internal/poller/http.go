package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/fileflow/internal/jobs"
)

// HTTPFetcher はステータスAPI（GET /api/jobs/:id）からジョブ状態を取得します。
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher は HTTPFetcher を作成します。
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type statusResponse struct {
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message"`
	OutputRef string `json:"outputRef"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Fetch はジョブ状態を1回取得します。404 は jobs.ErrNotFound を包んで返し、
// 「ジョブが失敗した」とは区別できるようにします。
func (f *HTTPFetcher) Fetch(ctx context.Context, jobID string) (*Status, error) {
	endpoint := fmt.Sprintf("%s/api/jobs/%s", f.baseURL, url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fallthrough to decode
	case http.StatusNotFound:
		return nil, fmt.Errorf("job %s: %w", jobID, jobs.ErrNotFound)
	default:
		return nil, fmt.Errorf("status fetch returned %d", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	status := &Status{
		JobID:     body.JobID,
		Status:    jobs.Status(body.Status),
		Progress:  body.Progress,
		Message:   body.Message,
		OutputRef: body.OutputRef,
	}
	if body.Error != nil {
		status.Error = body.Error.Message
	}
	return status, nil
}
