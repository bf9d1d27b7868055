package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"askanna/pkg/api"
)

// Client handles API calls to the askanna controller.
type Client struct {
	BaseURL string
	Token   string
	// InternalSecret authenticates the /internal task endpoints.
	InternalSecret string
	HTTPClient     *http.Client
}

// NewClient creates a new client with the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// request describes one API call.
type request struct {
	method      string
	path        string
	query       url.Values
	body        io.Reader
	contentType string
	internal    bool
}

func (c *Client) send(r request) (*http.Response, error) {
	endpoint := c.BaseURL + r.path
	if len(r.query) > 0 {
		endpoint += "?" + r.query.Encode()
	}
	httpReq, err := http.NewRequest(r.method, endpoint, r.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	switch {
	case r.internal:
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.InternalSecret))
	case c.Token != "":
		httpReq.Header.Add("Authorization", fmt.Sprintf("Token %s", c.Token))
	}
	contentType := r.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	httpReq.Header.Add("Content-Type", contentType)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}
	return resp, nil
}

// do sends r and decodes the JSON response into out when set.
func (c *Client) do(r request, out any) error {
	resp, err := c.send(r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// errorMessage extracts the readable part of an error body.
func errorMessage(body []byte) string {
	var e api.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Details != "" {
			return e.Error + ": " + e.Details
		}
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return bytes.NewReader(b), nil
}

// CreateRun sends POST /v1/job/{suuid}/run/ with an optional JSON payload.
func (c *Client) CreateRun(jobSUUID string, payload []byte, name, description string) (*api.RunStatusResponse, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if description != "" {
		q.Set("description", description)
	}
	var result api.RunStatusResponse
	err := c.do(request{
		method: http.MethodPost,
		path:   fmt.Sprintf("/v1/job/%s/run/", url.PathEscape(jobSUUID)),
		query:  q,
		body:   bytes.NewReader(payload),
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRun sends GET /v1/run/{suuid}/.
func (c *Client) GetRun(runSUUID string) (*api.RunResponse, error) {
	var result api.RunResponse
	if err := c.do(request{method: http.MethodGet, path: fmt.Sprintf("/v1/run/%s/", url.PathEscape(runSUUID))}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetRunStatus sends GET /v1/run/{suuid}/status/.
func (c *Client) GetRunStatus(runSUUID string) (*api.RunStatusResponse, error) {
	var result api.RunStatusResponse
	if err := c.do(request{method: http.MethodGet, path: fmt.Sprintf("/v1/run/%s/status/", url.PathEscape(runSUUID))}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AbortRun sends POST /v1/run/{suuid}/abort/.
func (c *Client) AbortRun(runSUUID string) (*api.RunStatusResponse, error) {
	var result api.RunStatusResponse
	if err := c.do(request{method: http.MethodPost, path: fmt.Sprintf("/v1/run/%s/abort/", url.PathEscape(runSUUID))}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLogs sends GET /v1/run/{suuid}/log/ for one page of log lines.
func (c *Client) GetLogs(runSUUID string, offset, limit int) (*api.RunLogResponse, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var result api.RunLogResponse
	if err := c.do(request{method: http.MethodGet, path: fmt.Sprintf("/v1/run/%s/log/", url.PathEscape(runSUUID)), query: q}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListVariables sends GET /v1/variable/?project=.
func (c *Client) ListVariables(projectSUUID string) ([]api.VariableResponse, error) {
	q := url.Values{}
	q.Set("project", projectSUUID)
	var result []api.VariableResponse
	if err := c.do(request{method: http.MethodGet, path: "/v1/variable/", query: q}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreatePackage sends POST /v1/package/ and returns the file to upload into.
func (c *Client) CreatePackage(req api.CreatePackageRequest) (*api.FileResponse, error) {
	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	var result api.FileResponse
	if err := c.do(request{method: http.MethodPost, path: "/v1/package/", body: body}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UploadPart sends PUT /v1/file/{suuid}/part/ with the raw part bytes.
func (c *Client) UploadPart(fileSUUID string, partNumber int, data []byte, etag string) error {
	q := url.Values{}
	q.Set("part_number", strconv.Itoa(partNumber))
	if etag != "" {
		q.Set("etag", etag)
	}
	return c.do(request{
		method:      http.MethodPut,
		path:        fmt.Sprintf("/v1/file/%s/part/", url.PathEscape(fileSUUID)),
		query:       q,
		body:        bytes.NewReader(data),
		contentType: "application/octet-stream",
	}, nil)
}

// CompleteUpload sends POST /v1/file/{suuid}/complete/.
func (c *Client) CompleteUpload(fileSUUID string, req api.CompleteUploadRequest) (*api.FileResponse, error) {
	body, err := jsonBody(req)
	if err != nil {
		return nil, err
	}
	var result api.FileResponse
	if err := c.do(request{method: http.MethodPost, path: fmt.Sprintf("/v1/file/%s/complete/", url.PathEscape(fileSUUID)), body: body}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AbortUpload sends POST /v1/file/{suuid}/abort/.
func (c *Client) AbortUpload(fileSUUID string) error {
	return c.do(request{method: http.MethodPost, path: fmt.Sprintf("/v1/file/%s/abort/", url.PathEscape(fileSUUID))}, nil)
}

// Download streams GET /v1/file/{suuid}/download/ into w.
func (c *Client) Download(fileSUUID string, w io.Writer) (int64, error) {
	resp, err := c.send(request{method: http.MethodGet, path: fmt.Sprintf("/v1/file/%s/download/", url.PathEscape(fileSUUID))})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// ListDLQTasks sends GET /internal/tasks/dlq to retrieve dead tasks.
func (c *Client) ListDLQTasks(limit, offset int) ([]api.DLQTaskResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var result []api.DLQTaskResponse
	if err := c.do(request{method: http.MethodGet, path: "/internal/tasks/dlq", query: q, internal: true}, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// RetryDLQTask sends POST /internal/tasks/dlq/{id}/retry.
func (c *Client) RetryDLQTask(id string) (*api.RetryDLQTaskResponse, error) {
	var result api.RetryDLQTaskResponse
	if err := c.do(request{method: http.MethodPost, path: fmt.Sprintf("/internal/tasks/dlq/%s/retry", url.PathEscape(id)), internal: true}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
