package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"procgate/pkg/httpx"
	"procgate/pkg/models"
)

// HTTPSource pulls submission packages from the upstream management system
// over JSON. Transient 5xx responses are retried by the shared client helper.
type HTTPSource struct {
	Client     *http.Client
	BaseURL    string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPSource(baseURL string) *HTTPSource {
	return &HTTPSource{
		Client:     &http.Client{Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Retries:    2,
		RetryDelay: 500 * time.Millisecond,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, applicationID int64) ([]models.SubmissionPackage, error) {
	url := fmt.Sprintf("%s/applications/%d/submissions", s.BaseURL, applicationID)
	status, resp, err := httpx.RequestJSON(ctx, s.Client, http.MethodGet,
		url, nil, s.Headers, s.Retries, s.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("fetch application %d: %w", applicationID, err)
	}
	if status < 200 || status >= 300 {
		detail := strings.TrimSpace(string(resp))
		if len(detail) > 256 {
			detail = detail[:256]
		}
		return nil, fmt.Errorf("fetch application %d: source returned %d: %s", applicationID, status, detail)
	}
	var payload struct {
		Submissions []models.SubmissionPackage `json:"submissions"`
	}
	if err := json.Unmarshal(resp, &payload); err != nil {
		return nil, fmt.Errorf("decode application %d payload: %w", applicationID, err)
	}
	return payload.Submissions, nil
}
