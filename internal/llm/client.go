// Package llm is the completion-service client consumed by the
// retrieval orchestrator's Answer operation: a single request/response
// call plus a streaming variant that reassembles a newline-delimited
// JSON response into a channel of text deltas.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/wgilpin/marginalia/internal/apperrors"
)

// generateRequest is the body of POST /api/generate.
type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// generateResponse is one record of the response, either the sole body
// of a non-streaming call or one line of a streaming one.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Config configures a Client.
type Config struct {
	// Host is the completion service base URL.
	Host string
	// Model is the model name sent with every request.
	Model string
}

// Client talks to a completion service's /api/generate endpoint.
// Completion calls are not subject to the embedding service's timeout
// budget: they run until the caller's context is cancelled.
type Client struct {
	httpClient *http.Client
	host       string
	model      string
}

// New constructs a Client. The underlying http.Client has no fixed
// timeout; callers bound completion calls with ctx.
func New(cfg Config) *Client {
	return &Client{
		httpClient: &http.Client{},
		host:       strings.TrimSuffix(cfg.Host, "/"),
		model:      cfg.Model,
	}
}

// Generate runs prompt to completion and returns the full response
// text. It is cancellable via ctx: cancellation races the HTTP call
// and returns ctx.Err() if the context loses.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", apperrors.InternalError("marshal generate request", err)
	}

	type result struct {
		text string
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
		if err != nil {
			resultCh <- result{err: apperrors.InternalError("build generate request", err)}
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			resultCh <- result{err: apperrors.New(apperrors.ErrCodeCompletionUnreachable, "completion service unreachable", err)}
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			resultCh <- result{err: apperrors.New(apperrors.ErrCodeCompletionUnreachable,
				fmt.Sprintf("completion request failed with status %d", resp.StatusCode), nil)}
			return
		}

		var gr generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			resultCh <- result{err: apperrors.InternalError("decode generate response", err)}
			return
		}
		resultCh <- result{text: gr.Response}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-resultCh:
		return r.text, r.err
	}
}

// GenerateStream runs prompt to completion, sending each response
// delta to out as it arrives and closing out when done or on error.
// It reassembles Ollama-style newline-delimited JSON records
// {response, done}. Cancelling ctx stops the stream; out is always
// closed before GenerateStream returns.
func (c *Client) GenerateStream(ctx context.Context, prompt string, out chan<- string) error {
	defer close(out)

	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: true})
	if err != nil {
		return apperrors.InternalError("marshal generate request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return apperrors.InternalError("build generate request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeCompletionUnreachable, "completion service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.ErrCodeCompletionUnreachable,
			fmt.Sprintf("completion request failed with status %d", resp.StatusCode), nil)
	}

	lineCh := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			lineCh <- line
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lineCh:
			if !ok {
				select {
				case err := <-errCh:
					return apperrors.InternalError("read completion stream", err)
				default:
					return nil
				}
			}
			var gr generateResponse
			if err := json.Unmarshal([]byte(line), &gr); err != nil {
				continue // skip malformed lines rather than aborting the stream
			}
			select {
			case out <- gr.Response:
			case <-ctx.Done():
				return ctx.Err()
			}
			if gr.Done {
				return nil
			}
		}
	}
}

// HealthCheck reports whether the completion service is reachable
// within a short timeout.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return apperrors.InternalError("build health request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeCompletionUnreachable, "completion service unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apperrors.New(apperrors.ErrCodeCompletionUnreachable,
			fmt.Sprintf("health check returned status %d", resp.StatusCode), nil)
	}
	return nil
}
