// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/ndjson"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
	"github.com/jeranaias/rigrun-ollama/internal/wait"
)

func fastBackend(opts ...Option) *Backend {
	return NewBackend(append([]Option{WithWordDelay(0), WithStepDelay(0)}, opts...)...)
}

func call(t *testing.T, b *Backend, ep api.Endpoint, payload any) *transport.Response {
	t.Helper()
	route := api.Endpoints[ep]
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	resp, err := b.RoundTrip(context.Background(), &transport.Request{Method: route.Method, Path: route.Path, Body: body})
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *transport.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func streamBody[T any](t *testing.T, resp *transport.Response) []T {
	t.Helper()
	defer resp.Body.Close()
	dec := ndjson.NewDecoder(resp.Body)
	var out []T
	for {
		var v T
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, v)
	}
}

// =============================================================================
// MODEL MANAGEMENT
// =============================================================================

func TestBackend_CreateThenList(t *testing.T) {
	b := fastBackend()

	resp := call(t, b, api.EndpointCreateModel, api.CreateModelRequest{Model: "demo"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decodeBody[api.ProgressResponse](t, resp).Status)

	list := decodeBody[api.ListModelsResponse](t, call(t, b, api.EndpointListModels, nil))
	require.Len(t, list.Models, 1)
	m := list.Models[0]
	assert.Equal(t, "demo", m.Name)
	assert.Equal(t, "Q4_0", m.Details.QuantizationLevel)
	assert.Equal(t, "custom", m.Details.Family)
	assert.Equal(t, int64(4000000000), m.Size)
	assert.Equal(t, "sha256:mock123", m.Digest)
}

func TestBackend_CreateStreamsSingleStatus(t *testing.T) {
	b := fastBackend()
	resp := call(t, b, api.EndpointCreateModel, api.CreateModelRequest{Model: "q", Quantize: "Q8_0", Stream: true})
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	chunks := streamBody[api.ProgressResponse](t, resp)
	require.Len(t, chunks, 1)
	assert.Equal(t, "success", chunks[0].Status)

	m, ok := b.Registry().Get("q")
	require.True(t, ok)
	assert.Equal(t, "Q8_0", m.Details.QuantizationLevel)
}

func TestBackend_ListIsSortedAndStartsEmpty(t *testing.T) {
	b := fastBackend()
	list := decodeBody[api.ListModelsResponse](t, call(t, b, api.EndpointListModels, nil))
	assert.Empty(t, list.Models)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		call(t, b, api.EndpointCreateModel, api.CreateModelRequest{Model: name}).Body.Close()
	}
	list = decodeBody[api.ListModelsResponse](t, call(t, b, api.EndpointListModels, nil))
	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.Name
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestBackend_ShowModel(t *testing.T) {
	b := fastBackend()

	resp := call(t, b, api.EndpointShowModel, api.ModelRequest{Name: "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "model 'ghost' not found", decodeBody[api.ErrorResponse](t, resp).Error)

	call(t, b, api.EndpointCreateModel, api.CreateModelRequest{Model: "demo"}).Body.Close()
	first := decodeBody[api.ShowModelResponse](t, call(t, b, api.EndpointShowModel, api.ModelRequest{Name: "demo"}))
	second := decodeBody[api.ShowModelResponse](t, call(t, b, api.EndpointShowModel, api.ModelRequest{Name: "demo"}))
	assert.Equal(t, first, second)
	assert.Contains(t, first.Modelfile, "FROM demo")
}

func TestBackend_DeleteMissingSucceeds(t *testing.T) {
	b := fastBackend()
	resp := call(t, b, api.EndpointDeleteModel, api.ModelRequest{Name: "missing"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", decodeBody[api.StatusResponse](t, resp).Status)
	assert.Zero(t, b.Registry().Len())
}

func TestBackend_CopyModel(t *testing.T) {
	b := fastBackend()

	resp := call(t, b, api.EndpointCopyModel, api.CopyModelRequest{Source: "nope", Destination: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
	assert.Zero(t, b.Registry().Len())

	call(t, b, api.EndpointCreateModel, api.CreateModelRequest{Model: "src", Quantize: "Q5_K"}).Body.Close()
	resp = call(t, b, api.EndpointCopyModel, api.CopyModelRequest{Source: "src", Destination: "dst"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	dst, ok := b.Registry().Get("dst")
	require.True(t, ok)
	assert.Equal(t, "dst", dst.Name)
	assert.Equal(t, "Q5_K", dst.Details.QuantizationLevel)
}

func TestBackend_PullStreamsPhasesAndRegisters(t *testing.T) {
	b := fastBackend()
	chunks := streamBody[api.ProgressResponse](t, call(t, b, api.EndpointPullModel, api.ModelRequest{Name: "llama3"}))

	var statuses []string
	for _, c := range chunks {
		statuses = append(statuses, c.Status)
	}
	assert.Equal(t, []string{
		"downloading model llama3",
		"verifying model llama3",
		"extracting model llama3",
		"completed model llama3",
	}, statuses)

	_, ok := b.Registry().Get("llama3")
	assert.True(t, ok)
}

func TestBackend_PushNonStreamReturnsLastPhase(t *testing.T) {
	b := fastBackend()
	stream := false
	resp := call(t, b, api.EndpointPushModel, api.ModelRequest{Name: "me/model", Stream: &stream})
	assert.Equal(t, "completed model me/model", decodeBody[api.ProgressResponse](t, resp).Status)
}

// =============================================================================
// INFERENCE
// =============================================================================

func TestBackend_GenerateStreamEchoesPromptWords(t *testing.T) {
	b := fastBackend()
	chunks := streamBody[api.GenerateResponse](t, call(t, b, api.EndpointGenerate, api.GenerateRequest{
		Model:  "demo",
		Prompt: "hi there",
		Stream: true,
	}))

	require.Len(t, chunks, 3)
	assert.Equal(t, "hi", chunks[0].Response)
	assert.False(t, chunks[0].Done)
	assert.Equal(t, "there", chunks[1].Response)
	assert.False(t, chunks[1].Done)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, "stop", chunks[2].DoneReason)
	assert.Equal(t, 2, chunks[2].EvalCount)
	assert.Equal(t, mockTime, chunks[0].CreatedAt.UTC())
}

func TestBackend_GenerateNonStream(t *testing.T) {
	b := fastBackend()
	resp := decodeBody[api.GenerateResponse](t, call(t, b, api.EndpointGenerate, api.GenerateRequest{Model: "demo", Prompt: "hi there"}))
	assert.True(t, resp.Done)
	assert.Equal(t, "hi there", resp.Response)
}

func TestBackend_ChatUsesLastUserMessage(t *testing.T) {
	b := fastBackend()
	resp := decodeBody[api.ChatResponse](t, call(t, b, api.EndpointChat, api.ChatRequest{
		Model: "demo",
		Messages: []api.Message{
			{Role: "user", Content: "first question"},
			{Role: "assistant", Content: "answer"},
			{Role: "user", Content: "second question"},
		},
	}))
	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "second question", resp.Message.Content)

	resp = decodeBody[api.ChatResponse](t, call(t, b, api.EndpointChat, api.ChatRequest{Model: "demo"}))
	assert.Equal(t, fallbackChat, resp.Message.Content)
}

func TestBackend_ChatCallsFirstFunctionTool(t *testing.T) {
	b := fastBackend()
	req := api.ChatRequest{
		Model: "demo",
		Messages: []api.Message{
			api.NewUserMessage("weather in Oslo"),
			api.NewAssistantMessage(""),
			{Role: api.RoleTool, Content: `{"temp": 4}`},
		},
		Tools: []api.Tool{
			{Type: "retrieval", Function: map[string]any{"name": "search"}},
			{Type: "function", Function: map[string]any{"description": "unnamed"}},
			{Type: "function", Function: map[string]any{"name": "get_weather"}},
		},
	}

	resp := decodeBody[api.ChatResponse](t, call(t, b, api.EndpointChat, req))
	assert.True(t, resp.Done)
	assert.Empty(t, resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.Message.ToolCalls[0].Function.Name)
	assert.Equal(t, map[string]any{"input": "weather in Oslo"}, resp.Message.ToolCalls[0].Function.Arguments)

	req.Stream = true
	chunks := streamBody[api.ChatResponse](t, call(t, b, api.EndpointChat, req))
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
	require.Len(t, chunks[0].Message.ToolCalls, 1)

	// Without a usable tool the reply is the echoed text.
	req.Stream = false
	req.Tools = req.Tools[:2]
	resp = decodeBody[api.ChatResponse](t, call(t, b, api.EndpointChat, req))
	assert.Empty(t, resp.Message.ToolCalls)
	assert.Equal(t, "weather in Oslo", resp.Message.Content)
}

func TestBackend_RunningModels(t *testing.T) {
	b := fastBackend()
	call(t, b, api.EndpointGenerate, api.GenerateRequest{Model: "b-model", Prompt: "x"}).Body.Close()
	call(t, b, api.EndpointEmbeddings, api.EmbeddingRequest{Model: "a-model", Prompt: "x"}).Body.Close()

	ps := decodeBody[api.ListRunningResponse](t, call(t, b, api.EndpointListRunning, nil))
	require.Len(t, ps.Models, 2)
	assert.Equal(t, "a-model", ps.Models[0].Name)
	assert.Equal(t, "b-model", ps.Models[1].Name)
}

func TestBackend_EmbeddingsAndVersion(t *testing.T) {
	b := fastBackend()
	emb := decodeBody[api.EmbeddingResponse](t, call(t, b, api.EndpointEmbeddings, api.EmbeddingRequest{Model: "m", Prompt: "p"}))
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4, 0.5}, emb.Embedding)

	v := decodeBody[api.VersionResponse](t, call(t, b, api.EndpointVersion, nil))
	assert.Equal(t, "0.1.0-mock", v.Version)
}

func TestBackend_Blobs(t *testing.T) {
	b := fastBackend()
	ctx := context.Background()
	check := &transport.Request{Method: http.MethodHead, Path: "/api/blobs/sha256:abc"}

	resp, err := b.RoundTrip(ctx, check)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = b.RoundTrip(ctx, &transport.Request{Method: http.MethodPost, Path: "/api/blobs/sha256:abc", Body: []byte("bytes")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = b.RoundTrip(ctx, check)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBackend_BadBody(t *testing.T) {
	b := fastBackend()
	resp, err := b.RoundTrip(context.Background(), &transport.Request{Method: http.MethodPost, Path: "/api/generate", Body: []byte("{")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = b.RoundTrip(context.Background(), &transport.Request{Method: http.MethodGet, Path: "/api/unknown"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// TIMING AND FAULTS
// =============================================================================

func TestBackend_WordDelayPacesStream(t *testing.T) {
	var delays []time.Duration
	rec := wait.Func(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	b := NewBackend(WithWaiter(rec), WithWordDelay(100*time.Millisecond))

	resp := call(t, b, api.EndpointGenerate, api.GenerateRequest{Model: "m", Prompt: "one two three", Stream: true})
	assert.Empty(t, delays, "nothing is produced before the first read")

	chunks := streamBody[api.GenerateResponse](t, resp)
	assert.Len(t, chunks, 4)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}, delays)
}

func TestBackend_AbandonedStreamStopsProducing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBackend(WithWordDelay(time.Hour))

	body, err := json.Marshal(api.GenerateRequest{Model: "m", Prompt: "a b c", Stream: true})
	require.NoError(t, err)
	resp, err := b.RoundTrip(ctx, &transport.Request{Method: http.MethodPost, Path: "/api/generate", Body: body})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := resp.Body.Read(make([]byte, 64))
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("read did not return after cancel")
	}
	require.NoError(t, resp.Body.Close())
	_, err = resp.Body.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestBackend_InjectFault(t *testing.T) {
	b := fastBackend()
	b.InjectFault(api.EndpointVersion, Fault{Status: http.StatusServiceUnavailable, Times: 2})

	for i := 0; i < 2; i++ {
		resp := call(t, b, api.EndpointVersion, nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		resp.Body.Close()
	}
	resp := call(t, b, api.EndpointVersion, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, b.Calls(api.EndpointVersion))

	boom := errors.New("connection refused")
	b.InjectFault(api.EndpointGenerate, Fault{Err: boom})
	for i := 0; i < 3; i++ {
		_, err := b.RoundTrip(context.Background(), &transport.Request{Method: http.MethodPost, Path: "/api/generate"})
		assert.ErrorIs(t, err, boom)
	}
	b.ClearFaults()
	assert.Equal(t, http.StatusOK, call(t, b, api.EndpointGenerate, api.GenerateRequest{Model: "m"}).StatusCode)
}

func TestBackend_Closed(t *testing.T) {
	b := fastBackend()
	require.NoError(t, b.Close())
	_, err := b.RoundTrip(context.Background(), &transport.Request{Method: http.MethodGet, Path: "/api/version"})
	assert.ErrorIs(t, err, transport.ErrClosed)
}
