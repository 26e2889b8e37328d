// Package query talks to the remote query-answering service.
//
// The service accepts a natural-language question and answers with the SQL it
// ran plus the resulting rows, or with an error description. Ask forwards a
// question and classifies the answer; only transport problems surface as Go
// errors.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Row is one record of a result set. Keys keep the order the service sent.
type Row = *orderedmap.OrderedMap[string, any]

// NewRow builds a Row from alternating key/value arguments.
func NewRow(kv ...any) Row {
	row := orderedmap.New[string, any]()
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		row.Set(key, kv[i+1])
	}
	return row
}

// Result is the classified answer to one question. Error is empty on
// success; on failure SQL may still be set for diagnostics.
type Result struct {
	Rows   []Row
	SQL    string
	HasSQL bool
	Error  string
}

// Failed reports whether the service declined or failed to answer.
func (r Result) Failed() bool {
	return r.Error != ""
}

// ConnectionError means the service could not be reached or its answer could
// not be read.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return "connection error: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Cause returns the underlying failure description of err.
func Cause(err error) string {
	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Err != nil {
		return connErr.Err.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Asker is the part of Client the widget depends on.
type Asker interface {
	Ask(ctx context.Context, question string) (Result, error)
}

// Client is an HTTP client for the query service.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	Question string `json:"question"`
}

type response struct {
	Results []Row   `json:"results"`
	SQL     *string `json:"sql"`
	Error   *string `json:"error"`
}

// Ask sends question to the service and classifies the answer. The question
// is forwarded as is; callers decide what is worth asking.
func (c *Client) Ask(ctx context.Context, question string) (Result, error) {
	body, err := json.Marshal(request{Question: question})
	if err != nil {
		return Result{}, &ConnectionError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return Result{}, &ConnectionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &ConnectionError{Err: err}
	}

	// The service reports its own failures with 4xx/5xx and a JSON body, so
	// the status code alone does not decide the outcome.
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Result{}, &ConnectionError{Err: fmt.Errorf("invalid response (status %d): expected a JSON object", resp.StatusCode)}
	}
	var data response
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return Result{}, &ConnectionError{Err: fmt.Errorf("invalid response (status %d): %w", resp.StatusCode, err)}
	}

	res := Result{}
	if data.SQL != nil {
		res.SQL = *data.SQL
		res.HasSQL = *data.SQL != ""
	}
	if data.Error != nil && *data.Error != "" {
		res.Error = *data.Error
		return res, nil
	}
	res.Rows = data.Results
	return res, nil
}

// Health asks the service whether it is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return &ConnectionError{Err: err}
	}
	if status.Status != "ok" {
		return fmt.Errorf("unexpected health status: %q", status.Status)
	}
	return nil
}
