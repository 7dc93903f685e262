package tracker

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

	"github.com/caat/taskwatch/internal/domain"
	"github.com/caat/taskwatch/internal/infrastructure/logger"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultSubmitTimeout  = 60 * time.Second
	userAgent             = "taskwatch-tracker/1"
)

type ClientConfig struct {
	BaseURL string
	// RequestTimeout bounds ordinary reads and deletes.
	RequestTimeout time.Duration
	// SubmitTimeout bounds task creation and artifact downloads.
	SubmitTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *logger.Logger
}

// APIClient talks to the task REST API over HTTP.
type APIClient struct {
	baseURL        string
	requestTimeout time.Duration
	submitTimeout  time.Duration
	httpClient     *http.Client
	logger         *logger.Logger
}

var _ Backend = (*APIClient)(nil)

func NewAPIClient(cfg ClientConfig) *APIClient {
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return &APIClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		requestTimeout: requestTimeout,
		submitTimeout:  submitTimeout,
		httpClient:     httpClient,
		logger:         log,
	}
}

type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

type idsBody struct {
	IDs []string `json:"ids"`
}

type purgeBody struct {
	Category    domain.TaskCategory `json:"category"`
	ConfirmText string              `json:"confirm_text"`
}

type deletedBody struct {
	Deleted int `json:"deleted"`
}

func (c *APIClient) CreateTask(ctx context.Context, req SubmitRequest) (domain.TaskRecord, error) {
	var task domain.TaskRecord
	err := c.doJSON(ctx, c.submitTimeout, http.MethodPost, "/api/v1/tasks", req, &task)
	return task, err
}

func (c *APIClient) GetTask(ctx context.Context, id string) (domain.TaskRecord, error) {
	var task domain.TaskRecord
	err := c.doJSON(ctx, c.requestTimeout, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &task)
	return task, err
}

func (c *APIClient) ListTasks(ctx context.Context, q domain.ListQuery) (domain.TaskPage, error) {
	q = q.Normalize()
	params := url.Values{}
	if q.Category != "" {
		params.Set("category", string(q.Category))
	}
	if q.Owner != "" {
		params.Set("owner", q.Owner)
	}
	if q.Kind != "" {
		params.Set("kind", string(q.Kind))
	}
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("size", strconv.Itoa(q.Size))

	var page domain.TaskPage
	err := c.doJSON(ctx, c.requestTimeout, http.MethodGet, "/api/v1/tasks?"+params.Encode(), nil, &page)
	return page, err
}

func (c *APIClient) DeleteTask(ctx context.Context, id string) error {
	return c.doJSON(ctx, c.requestTimeout, http.MethodDelete, "/api/v1/tasks/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) DeleteTasks(ctx context.Context, ids []string) (int, error) {
	var out deletedBody
	err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, "/api/v1/tasks/delete", idsBody{IDs: ids}, &out)
	return out.Deleted, err
}

func (c *APIClient) DeleteTasksByCategory(ctx context.Context, category domain.TaskCategory, confirmText string) (int, error) {
	var out deletedBody
	body := purgeBody{Category: category, ConfirmText: confirmText}
	err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, "/api/v1/tasks/purge", body, &out)
	return out.Deleted, err
}

func (c *APIClient) CancelTask(ctx context.Context, id string) (domain.TaskRecord, error) {
	var task domain.TaskRecord
	err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, &task)
	return task, err
}

// DownloadArtifact streams the finished document of a COMPLETED task into w.
func (c *APIClient) DownloadArtifact(ctx context.Context, id string, w io.Writer) (int64, error) {
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/download"
	resp, cancel, err := c.do(ctx, c.submitTimeout, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := c.readAPIError(resp)
		if resp.StatusCode == http.StatusConflict {
			return 0, fmt.Errorf("%w: %w", ErrNotDownloadable, err)
		}
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: download %s: %w", ErrTransport, id, err)
	}
	c.logger.Debugw("task_artifact_downloaded", "task_id", id, "bytes", n)
	return n, nil
}

func (c *APIClient) doJSON(ctx context.Context, timeout time.Duration, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	resp, cancel, err := c.do(ctx, timeout, method, path, body)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.readAPIError(resp)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		// The status line arrived but the body did not; the outcome is as unknown as a timeout.
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		c.logger.Warnw("task_api_parse_error", "method", method, "path", path, "error", err)
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// do sends one request bounded by timeout. The returned cancel must be called once the
// body has been consumed.
func (c *APIClient) do(ctx context.Context, timeout time.Duration, method, path string, body io.Reader) (*http.Response, context.CancelFunc, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		c.logger.Warnw("task_api_network_error",
			"method", method,
			"path", path,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}

	c.logger.Debugw("task_api_response",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, cancel, nil
}

func (c *APIClient) readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Details = strings.Join(body.Details, "; ")
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}

	c.logger.Warnw("task_api_bad_status",
		"status", resp.StatusCode,
		"path", resp.Request.URL.Path,
		"error", apiErr.Message,
	)
	return apiErr
}
