package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ReturnsResponseText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(generateResponse{Response: "the answer", Done: true})
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL, Model: "test-model"})
	text, err := c.Generate(t.Context(), "what is the answer?")
	require.NoError(t, err)
	assert.Equal(t, "the answer", text)
}

func TestGenerate_NonOKStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	_, err := c.Generate(t.Context(), "x")
	require.Error(t, err)
}

func TestGenerate_CancelledContextReturnsContextError(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(Config{Host: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateStream_ReassemblesNDJSONDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		flusher, _ := w.(http.Flusher)
		for _, part := range []generateResponse{
			{Response: "Hello", Done: false},
			{Response: " world", Done: false},
			{Response: "", Done: true},
		} {
			line, _ := json.Marshal(part)
			_, _ = w.Write(append(line, '\n'))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	out := make(chan string, 10)

	err := c.GenerateStream(t.Context(), "hi", out)
	require.NoError(t, err)

	var got []string
	for delta := range out {
		got = append(got, delta)
	}
	assert.Equal(t, []string{"Hello", " world", ""}, got)
}

func TestGenerateStream_ClosesOutChannelOnCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		line, _ := json.Marshal(generateResponse{Response: "done", Done: true})
		_, _ = fmt.Fprintf(w, "%s\n", line)
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	out := make(chan string)

	done := make(chan struct{})
	go func() {
		for range out {
		}
		close(done)
	}()

	require.NoError(t, c.GenerateStream(t.Context(), "hi", out))
	<-done
}

func TestGenerateStream_CancelledContextStopsStream(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(Config{Host: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := make(chan string, 1)
	err := c.GenerateStream(ctx, "hi", out)
	require.Error(t, err)
}

func TestHealthCheck_SucceedsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Host: srv.URL})
	require.NoError(t, c.HealthCheck(t.Context()))
}

func TestHealthCheck_FailsOnUnreachable(t *testing.T) {
	c := New(Config{Host: "http://127.0.0.1:1"})
	err := c.HealthCheck(t.Context())
	require.Error(t, err)
}
