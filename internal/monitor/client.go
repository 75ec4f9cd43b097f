package monitor

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
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/neighbor/internal/http"
	"github.com/fyrsmithlabs/neighbor/internal/session"
	"github.com/fyrsmithlabs/neighbor/internal/signature"
)

// APIError is a non-2xx answer from neighbord.
type APIError struct {
	Status  int
	Message string
	// Session is the session state the server returned alongside a
	// refused intent, if any.
	Session *session.Session
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Status)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// Client talks to the neighbord HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no timeout; event streams are bounded by ctx.
	stream *http.Client
}

// NewClient creates a client for baseURL. timeout bounds each
// non-streaming request.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (httpserver.HealthResponse, error) {
	var out httpserver.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Sessions lists sessions, newest last. activeOnly drops closed ones.
func (c *Client) Sessions(ctx context.Context, activeOnly bool) ([]session.Session, error) {
	path := "/api/v1/sessions"
	if activeOnly {
		path += "?active=true"
	}
	var out httpserver.SessionListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Session fetches one session.
func (c *Client) Session(ctx context.Context, id string) (session.Session, error) {
	var out session.Session
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Submit sends an intent for a session. A refused intent returns an
// *APIError carrying the server's view of the session.
func (c *Client) Submit(ctx context.Context, id string, kind session.IntentKind) (session.Session, error) {
	var out httpserver.IntentResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(id)+"/intents",
		httpserver.IntentRequest{Kind: kind}, &out)
	if err != nil {
		return session.Session{}, err
	}
	if out.Session == nil {
		return session.Session{}, errors.New("server returned no session")
	}
	return *out.Session, nil
}

// Signatures lists the loaded signature pack.
func (c *Client) Signatures(ctx context.Context) (httpserver.SignatureListResponse, error) {
	var out httpserver.SignatureListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/signatures", nil, &out)
	return out, err
}

// Scrub redacts sensitive values from content.
func (c *Client) Scrub(ctx context.Context, content string) (httpserver.ScrubResponse, error) {
	var out httpserver.ScrubResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/scrub", httpserver.ScrubRequest{Content: content}, &out)
	return out, err
}

// Events streams session lifecycle events until ctx ends, the server
// closes the stream, or fn returns an error. sessionID may be empty to
// follow every session.
func (c *Client) Events(ctx context.Context, sessionID string, fn func(session.Event) error) error {
	stream, err := c.Subscribe(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer stream.Close()
	return stream.Each(fn)
}

// EventStream is an open event subscription. The server has registered
// the subscriber by the time Subscribe returns, so nothing emitted
// afterwards is missed.
type EventStream struct {
	ctx  context.Context
	body io.ReadCloser
}

// Subscribe opens an event stream. sessionID may be empty to follow every
// session.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (*EventStream, error) {
	path := "/api/v1/events"
	if sessionID != "" {
		path += "?session=" + url.QueryEscape(sessionID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return &EventStream{ctx: ctx, body: resp.Body}, nil
}

// Each calls fn for every event until the stream ends, its context is
// cancelled, or fn returns an error.
func (s *EventStream) Each(fn func(session.Event) error) error {
	err := readEvents(s.body, fn)
	if s.ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases the stream.
func (s *EventStream) Close() error {
	return s.body.Close()
}

// readEvents parses a text/event-stream body. Only data lines carry
// payload; the event name duplicates Event.State and comments are
// heartbeats.
func readEvents(r io.Reader, fn func(session.Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev session.Event
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				return fmt.Errorf("invalid event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readAPIError understands both echo's {"message": ...} errors and the
// {"error": ..., "session": ...} body of a refused intent.
func readAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apiErr
	}
	var body struct {
		Message string           `json:"message"`
		Error   string           `json:"error"`
		Session *session.Session `json:"session"`
	}
	if json.Unmarshal(data, &body) != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = body.Error
	if apiErr.Message == "" {
		apiErr.Message = body.Message
	}
	apiErr.Session = body.Session
	return apiErr
}

// Signature fetches one signature by id.
func (c *Client) Signature(ctx context.Context, id string) (signature.Signature, error) {
	var out signature.Signature
	err := c.do(ctx, http.MethodGet, "/api/v1/signatures/"+url.PathEscape(id), nil, &out)
	return out, err
}
