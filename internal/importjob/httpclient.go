package importjob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/store"
)

const maxErrorBody = 512

// HTTPClientConfig locates the import API.
type HTTPClientConfig struct {
	BaseURL string
	OwnerID string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient talks to the /v1/imports endpoints on behalf of one owner.
type HTTPClient struct {
	base *url.URL
	cfg  HTTPClientConfig
	http *http.Client
}

// NewHTTPClient validates cfg.
func NewHTTPClient(cfg HTTPClientConfig, hc *http.Client) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", importer.ErrValidation, cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", importer.ErrValidation)
	}
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{base: base, cfg: cfg, http: hc}, nil
}

// Submit creates a job and returns its id.
func (c *HTTPClient) Submit(ctx context.Context, creds importer.Credentials) (string, error) {
	body, err := json.Marshal(map[string]string{"login": creds.Login, "password": creds.Password})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/imports", nil, body, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// GetJob reads one job.
func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (importer.ImportJob, error) {
	var out struct {
		Job importer.ImportJob `json:"job"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/imports/"+url.PathEscape(jobID), nil, nil, http.StatusOK, &out); err != nil {
		return importer.ImportJob{}, err
	}
	return out.Job, nil
}

// List returns the owner's jobs, newest first.
func (c *HTTPClient) List(ctx context.Context, limit, offset int) ([]importer.ImportJob, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out struct {
		Jobs []importer.ImportJob `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/imports", q, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, q url.Values, body []byte, want int, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = q.Encode()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-User-ID", c.cfg.OwnerID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, store.ErrNotFound)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", importer.ErrValidation, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", importer.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", importer.ErrRateLimited, msg)
	default:
		return &importer.RemoteError{StatusCode: resp.StatusCode, Body: msg}
	}
}
