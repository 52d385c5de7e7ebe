package phaselinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// ReconnectDelay is the pause before Follow reconnects a dropped stream.
	ReconnectDelay time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:        baseURL,
		Timeout:        10 * time.Second,
		ReconnectDelay: time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID             string         `json:"id"`
	Description    string         `json:"description"`
	Status         string         `json:"status"`
	CurrentPhase   string         `json:"current_phase"`
	IterationCount int            `json:"iteration_count"`
	MaxIterations  int            `json:"max_iterations"`
	QualityLoops   int            `json:"quality_loops"`
	GateKind       string         `json:"gate_kind"`
	GatePayload    map[string]any `json:"gate_payload"`
	Active         bool           `json:"active"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Iteration represents one feedback cycle.
type Iteration struct {
	ID           string `json:"id"`
	Number       int    `json:"number"`
	Category     string `json:"category"`
	Feedback     string `json:"feedback"`
	ReentryPhase string `json:"reentry_phase"`
	Status       string `json:"status"`
}

// Entry is one activity log record.
type Entry struct {
	ProjectID string         `json:"project_id"`
	Seq       int64          `json:"seq"`
	Kind      string         `json:"kind"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload"`
	TS        string         `json:"ts"`
}

// EntriesPage wraps activity listings.
type EntriesPage struct {
	Items   []Entry `json:"items"`
	NextSeq int64   `json:"next_seq"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject registers a project. An empty id lets the server pick one.
func (c *Client) CreateProject(ctx context.Context, id, description string, maxIterations int) (Project, error) {
	body := map[string]any{"description": description}
	if id != "" {
		body["id"] = id
	}
	if maxIterations > 0 {
		body["max_iterations"] = maxIterations
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, projectPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// Run starts or resumes a project.
func (c *Client) Run(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(id, "run"), nil, &resp)
	return resp, err
}

func (c *Client) Stop(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(id, "stop"), nil, &resp)
	return resp, err
}

// ResolveGate submits a decision on the project's open gate.
func (c *Client) ResolveGate(ctx context.Context, id, gate, decision, category, feedback string) (Project, error) {
	body := map[string]any{"decision": decision}
	if category != "" {
		body["category"] = category
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, projectPath(id, "gates/"+url.PathEscape(gate)), body, &resp)
	return resp, err
}

func (c *Client) SubmitFeedback(ctx context.Context, id, category, text string) (Iteration, error) {
	body := map[string]any{"text": text}
	if category != "" {
		body["category"] = category
	}
	var resp Iteration
	err := c.do(ctx, http.MethodPost, projectPath(id, "feedback"), body, &resp)
	return resp, err
}

// Entries reads the activity log starting at fromSeq.
func (c *Client) Entries(ctx context.Context, id string, fromSeq int64, limit int) (EntriesPage, error) {
	q := url.Values{}
	if fromSeq > 0 {
		q.Set("from_seq", strconv.FormatInt(fromSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := projectPath(id, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp EntriesPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ErrStopFollowing may be returned by a Follow handler to end the stream
// without an error.
var ErrStopFollowing = errors.New("stop following")

// Follow streams activity entries from fromSeq to fn until ctx ends or fn
// returns an error. Dropped connections are resumed from the last delivered
// seq, so fn sees every entry once and in order.
func (c *Client) Follow(ctx context.Context, id string, fromSeq int64, fn func(Entry) error) error {
	last := fromSeq - 1
	if last < 0 {
		last = 0
	}
	for {
		err := c.followOnce(ctx, id, &last, fn)
		if errors.Is(err, ErrStopFollowing) {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var handlerErr handlerError
		if errors.As(err, &handlerErr) {
			return handlerErr.err
		}
		delay := c.ReconnectDelay
		if delay <= 0 {
			delay = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

func (c *Client) followOnce(ctx context.Context, id string, last *int64, fn func(Entry) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+projectPath(id, "events/stream"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Last-Event-ID", strconv.FormatInt(*last, 10))
	c.authorize(req)
	client := &http.Client{}
	if c.HTTPClient != nil {
		client = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	reader := bufio.NewReader(resp.Body)
	var data strings.Builder
	event := ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 && event != "error" {
				var entry Entry
				if err := json.Unmarshal([]byte(data.String()), &entry); err != nil {
					return fmt.Errorf("decode entry: %w", err)
				}
				if entry.Seq > *last {
					*last = entry.Seq
					if err := fn(entry); err != nil {
						return handlerError{err}
					}
				}
			}
			data.Reset()
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func projectPath(id, p string) string {
	out := "v0/projects/" + url.PathEscape(id)
	if p != "" {
		out += "/" + strings.TrimLeft(p, "/")
	}
	return out
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
