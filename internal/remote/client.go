// Package remote talks to a ComfyUI-compatible rendering engine over HTTP and implements
// queue.Executor.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"djp.chapter42.de/renderq/internal/data"
	"djp.chapter42.de/renderq/internal/queue"
	"djp.chapter42.de/renderq/internal/tmpl"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval   = time.Second
	DefaultRequestTimeout = 30 * time.Second
	userAgent             = "renderq/1.0"
)

var _ queue.Executor = (*Client)(nil)

type Client struct {
	cfg      *data.RemoteConfig
	http     *http.Client
	clientID string
	limiter  *rate.Limiter
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// NewClient expects cfg to have passed tmpl.PrepareTemplates.
func NewClient(cfg *data.RemoteConfig, opts ...Option) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	limit := rate.Inf
	burst := cfg.SubmitBurst
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
		if burst <= 0 {
			burst = 1
		}
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: timeout},
		clientID: uuid.New().String(),
		limiter:  rate.NewLimiter(limit, burst),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ClientID() string { return c.clientID }

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

type promptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// Submit queues the workflow on the engine and returns its prompt id.
func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(promptRequest{Prompt: payload, ClientID: c.clientID})
	if err != nil {
		return "", &queue.SubmissionError{Err: fmt.Errorf("error while serializing the workflow: %w", err)}
	}

	resp, err := c.do(ctx, http.MethodPost, c.cfg.ParsedSubmitTpl, "", body)
	if err != nil {
		return "", &queue.SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &queue.SubmissionError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("Engine rejected workflow:", zap.String("status", resp.Status), zap.String("body", string(respBody)))
		return "", &queue.SubmissionError{StatusCode: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(respBody)))}
	}

	var pr promptResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", &queue.SubmissionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid prompt response: %w", err)}
	}
	if pr.PromptID == "" {
		return "", &queue.SubmissionError{StatusCode: resp.StatusCode, Err: errors.New("no prompt_id received")}
	}

	c.log.Debug("Prompt queued:", zap.String("prompt_id", pr.PromptID), zap.Int("number", pr.Number))
	return pr.PromptID, nil
}

// AwaitResult polls the history endpoint until the prompt shows up there.
func (c *Client) AwaitResult(ctx context.Context, correlationID string) (json.RawMessage, error) {
	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.JobTimeout)
		defer cancel()
	}

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		entry, found, err := c.history(ctx, correlationID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, c.waitError(ctx, correlationID)
			}
			// transient, keep polling
			c.log.Warn("Error while polling history:", zap.String("prompt_id", correlationID), zap.Error(err))
		} else if found {
			if msg, failed := executionError(entry); failed {
				return nil, &queue.RemoteFailure{CorrelationID: correlationID, Message: msg}
			}
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return nil, c.waitError(ctx, correlationID)
		case <-ticker.C:
		}
	}
}

func (c *Client) waitError(ctx context.Context, correlationID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("prompt %s did not complete within %s: %w", correlationID, c.cfg.JobTimeout, ctx.Err())
	}
	return ctx.Err()
}

func (c *Client) history(ctx context.Context, correlationID string) (json.RawMessage, bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.cfg.ParsedHistoryTpl, correlationID, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("history request failed %s, Body: %s", resp.Status, body)
	}

	var entries map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, false, fmt.Errorf("invalid history response: %w", err)
	}
	entry, ok := entries[correlationID]
	return entry, ok, nil
}

// SystemStats fetches the engine's system_stats document. It doubles as a reachability check.
func (c *Client) SystemStats(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, c.cfg.ParsedStatsTpl, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("system_stats request failed %s, Body: %s", resp.Status, body)
	}
	if !json.Valid(body) {
		return nil, errors.New("invalid system_stats response")
	}
	return body, nil
}

type queueState struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

// Cancel removes the prompt from the engine's pending queue and interrupts it only if it
// is the one currently executing, so that another job's render is not hit.
func (c *Client) Cancel(ctx context.Context, correlationID string) (bool, error) {
	del, _ := json.Marshal(map[string][]string{"delete": {correlationID}})
	if err := c.post(ctx, c.cfg.ParsedQueueTpl, correlationID, del); err != nil {
		return false, err
	}

	running, err := c.isRunning(ctx, correlationID)
	if err != nil {
		return false, err
	}
	if !running {
		return true, nil
	}

	c.log.Warn("Interrupting execution:", zap.String("prompt_id", correlationID))
	if err := c.post(ctx, c.cfg.ParsedInterruptTpl, correlationID, []byte(`{}`)); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) isRunning(ctx context.Context, correlationID string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, c.cfg.ParsedQueueTpl, correlationID, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("queue request failed: %s", resp.Status)
	}

	var qs queueState
	if err := json.NewDecoder(resp.Body).Decode(&qs); err != nil {
		return false, fmt.Errorf("invalid queue response: %w", err)
	}
	for _, item := range qs.Running {
		if len(item) < 2 {
			continue
		}
		var id string
		if json.Unmarshal(item[1], &id) == nil && id == correlationID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) post(ctx context.Context, tpl *template.Template, correlationID string, body []byte) error {
	resp, err := c.do(ctx, http.MethodPost, tpl, correlationID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request to %s failed %s, Body: %s", tpl.Name(), resp.Status, b)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, tpl *template.Template, correlationID string, body []byte) (*http.Response, error) {
	url, err := c.urlBuilder(tpl, correlationID)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("error while generating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.cfg.AuthProvider != nil {
		authHeader, err := c.cfg.AuthProvider.GetAuthHeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("error while generating auth header: %w", err)
		}
		req.Header.Set("Authorization", authHeader)
	}

	return c.http.Do(req)
}

func (c *Client) urlBuilder(tpl *template.Template, correlationID string) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", errors.New("base_url is not defined in the configuration")
	}
	endpoint, err := tmpl.RenderEndpoint(tpl, tmpl.EndpointData{CorrelationID: correlationID, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("error while rendering endpoint: %w", err)
	}
	return strings.TrimRight(c.cfg.BaseURL, "/") + endpoint, nil
}
