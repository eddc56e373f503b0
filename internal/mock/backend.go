// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
	"github.com/jeranaias/rigrun-ollama/internal/wait"
)

// Version is what the mock reports from /api/version.
const Version = "0.1.0-mock"

const (
	defaultWordDelay = 100 * time.Millisecond
	defaultStepDelay = 500 * time.Millisecond

	fallbackGenerate = "This is a mock response"
	fallbackChat     = "This is a mock chat response"
)

var mockEmbedding = []float64{0.1, 0.2, 0.3, 0.4, 0.5}

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Backend.
type Option func(*Backend)

// WithLatency adds a delay before every response.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

// WithWordDelay sets the pause before each streamed generate or chat word.
func WithWordDelay(d time.Duration) Option {
	return func(b *Backend) { b.wordDelay = d }
}

// WithStepDelay sets the pause before each pull or push phase.
func WithStepDelay(d time.Duration) Option {
	return func(b *Backend) { b.stepDelay = d }
}

// WithWaiter selects how delays are served. Blocking clients pass
// wait.Blocking so that simulated latency occupies the caller.
func WithWaiter(w wait.Waiter) Option {
	return func(b *Backend) { b.waiter = wait.Or(w) }
}

// WithRegistry shares an existing model registry.
func WithRegistry(r *ModelRegistry) Option {
	return func(b *Backend) { b.registry = r }
}

// WithLogger sets the logger used for per-call debug output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Backend) { b.logger = l }
}

// =============================================================================
// FAULTS
// =============================================================================

// Fault makes calls to one endpoint fail.
type Fault struct {
	// Status is the HTTP status to answer with. Ignored when Err is set.
	Status int
	// Err is returned from RoundTrip as a transport failure. A *net.OpError
	// reads as an unreachable server and is retried.
	Err error
	// Message overrides the error body text.
	Message string
	// Times is how many calls fail. Zero or less fails every call until
	// ClearFaults.
	Times int
}

type faultState struct {
	Fault
	remaining int
}

// =============================================================================
// BACKEND
// =============================================================================

// Backend is an in-memory stand-in for an Ollama server. It implements
// transport.Transport and answers with the same JSON and NDJSON bytes a live
// server sends.
type Backend struct {
	registry  *ModelRegistry
	latency   time.Duration
	wordDelay time.Duration
	stepDelay time.Duration
	waiter    wait.Waiter
	logger    logrus.FieldLogger

	mu     sync.Mutex
	faults map[api.Endpoint]*faultState
	blobs  map[string]struct{}
	calls  map[api.Endpoint]int

	closed atomic.Bool
}

var _ transport.Transport = (*Backend)(nil)

// NewBackend creates a backend with an empty model registry.
func NewBackend(opts ...Option) *Backend {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	b := &Backend{
		wordDelay: defaultWordDelay,
		stepDelay: defaultStepDelay,
		waiter:    wait.Cooperative{},
		logger:    quiet,
		faults:    make(map[api.Endpoint]*faultState),
		blobs:     make(map[string]struct{}),
		calls:     make(map[api.Endpoint]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = NewModelRegistry()
	}
	return b
}

// Registry returns the backend's model registry.
func (b *Backend) Registry() *ModelRegistry { return b.registry }

// InjectFault makes the next f.Times calls to ep fail.
func (b *Backend) InjectFault(ep api.Endpoint, f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults[ep] = &faultState{Fault: f, remaining: f.Times}
}

// ClearFaults removes all injected faults.
func (b *Backend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.faults)
}

// Calls returns how many requests reached ep, faulted ones included.
func (b *Backend) Calls(ep api.Endpoint) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[ep]
}

func (b *Backend) takeFault(ep api.Endpoint) (Fault, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[ep]++

	st, ok := b.faults[ep]
	if !ok {
		return Fault{}, false
	}
	if st.Times > 0 {
		st.remaining--
		if st.remaining <= 0 {
			delete(b.faults, ep)
		}
	}
	return st.Fault, true
}

// Close makes later calls fail with transport.ErrClosed.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// RoundTrip answers req from the in-memory state.
func (b *Backend) RoundTrip(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if b.closed.Load() {
		return nil, transport.ErrClosed
	}
	ep, param, ok := api.Lookup(req.Method, req.Path)
	if !ok {
		return errorResponse(http.StatusNotFound, fmt.Sprintf("unknown endpoint %s %s", req.Method, req.Path)), nil
	}

	log := b.logger.WithFields(logrus.Fields{
		"endpoint":   ep,
		"request_id": req.Header.Get("X-Request-ID"),
	})

	if b.latency > 0 {
		if err := b.waiter.Wait(ctx, b.latency); err != nil {
			return nil, err
		}
	}

	if f, faulted := b.takeFault(ep); faulted {
		if f.Err != nil {
			log.WithError(f.Err).Debug("Injected transport fault")
			return nil, f.Err
		}
		status := f.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		msg := f.Message
		if msg == "" {
			msg = strings.ToLower(http.StatusText(status))
		}
		log.WithField("status", status).Debug("Injected status fault")
		return errorResponse(status, msg), nil
	}

	log.Debug("Mock request")

	switch ep {
	case api.EndpointGenerate:
		return b.generate(ctx, req.Body)
	case api.EndpointChat:
		return b.chat(ctx, req.Body)
	case api.EndpointCreateModel:
		return b.createModel(ctx, req.Body)
	case api.EndpointListModels:
		return jsonResponse(http.StatusOK, api.ListModelsResponse{Models: b.registry.List()}), nil
	case api.EndpointListRunning:
		return jsonResponse(http.StatusOK, api.ListRunningResponse{Models: b.registry.Running()}), nil
	case api.EndpointShowModel:
		return b.showModel(req.Body)
	case api.EndpointDeleteModel:
		return b.deleteModel(req.Body)
	case api.EndpointCopyModel:
		return b.copyModel(req.Body)
	case api.EndpointPullModel:
		return b.transfer(ctx, req.Body, pullPhases, true)
	case api.EndpointPushModel:
		return b.transfer(ctx, req.Body, pushPhases, false)
	case api.EndpointEmbeddings:
		return b.embeddings(req.Body)
	case api.EndpointVersion:
		return jsonResponse(http.StatusOK, api.VersionResponse{Version: Version}), nil
	case api.EndpointBlobUpload:
		b.mu.Lock()
		b.blobs[param] = struct{}{}
		b.mu.Unlock()
		return emptyResponse(http.StatusCreated), nil
	case api.EndpointBlobCheck:
		b.mu.Lock()
		_, exists := b.blobs[param]
		b.mu.Unlock()
		if !exists {
			return emptyResponse(http.StatusNotFound), nil
		}
		return emptyResponse(http.StatusOK), nil
	}
	return errorResponse(http.StatusNotFound, "unsupported endpoint "+string(ep)), nil
}

// =============================================================================
// HANDLERS
// =============================================================================

func (b *Backend) generate(ctx context.Context, body []byte) (*transport.Response, error) {
	var req api.GenerateRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	if req.Model == "" {
		return errorResponse(http.StatusBadRequest, "model is required"), nil
	}
	b.registry.touch(req.Model)

	words := wordsOr(req.Prompt, fallbackGenerate)
	final := api.GenerateResponse{
		Model:           req.Model,
		CreatedAt:       mockTime,
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: len(strings.Fields(req.Prompt)),
		EvalCount:       len(words),
	}
	if !req.Stream {
		final.Response = strings.Join(words, " ")
		return jsonResponse(http.StatusOK, final), nil
	}

	items := make([]any, 0, len(words)+1)
	for _, w := range words {
		items = append(items, api.GenerateResponse{Model: req.Model, CreatedAt: mockTime, Response: w})
	}
	items = append(items, final)
	return b.stream(ctx, items, len(words), b.wordDelay, nil), nil
}

func (b *Backend) chat(ctx context.Context, body []byte) (*transport.Response, error) {
	var req api.ChatRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	if req.Model == "" {
		return errorResponse(http.StatusBadRequest, "model is required"), nil
	}
	b.registry.touch(req.Model)

	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == api.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	words := wordsOr(last, fallbackChat)
	final := api.ChatResponse{
		Model:           req.Model,
		CreatedAt:       mockTime,
		Message:         api.NewAssistantMessage(""),
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: len(strings.Fields(last)),
		EvalCount:       len(words),
	}
	if call, ok := toolCall(req.Tools, last); ok {
		final.Message.ToolCalls = []api.ToolCall{call}
		final.EvalCount = 1
		if !req.Stream {
			return jsonResponse(http.StatusOK, final), nil
		}
		return b.stream(ctx, []any{final}, 0, 0, nil), nil
	}
	if !req.Stream {
		final.Message.Content = strings.Join(words, " ")
		return jsonResponse(http.StatusOK, final), nil
	}

	items := make([]any, 0, len(words)+1)
	for _, w := range words {
		items = append(items, api.ChatResponse{
			Model:     req.Model,
			CreatedAt: mockTime,
			Message:   api.NewAssistantMessage(w),
		})
	}
	items = append(items, final)
	return b.stream(ctx, items, len(words), b.wordDelay, nil), nil
}

// toolCall picks the first named function tool and calls it with the
// user's message as its only argument.
func toolCall(tools []api.Tool, input string) (api.ToolCall, bool) {
	for _, tool := range tools {
		if tool.Type != "" && tool.Type != "function" {
			continue
		}
		name, _ := tool.Function["name"].(string)
		if name == "" {
			continue
		}
		return api.ToolCall{Function: api.ToolFunction{
			Name:      name,
			Arguments: map[string]any{"input": input},
		}}, true
	}
	return api.ToolCall{}, false
}

func (b *Backend) createModel(ctx context.Context, body []byte) (*transport.Response, error) {
	var req api.CreateModelRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	if req.Model == "" {
		return errorResponse(http.StatusBadRequest, "model is required"), nil
	}
	b.registry.Put(newModel(req.Model, "custom", req.Quantize))

	done := api.ProgressResponse{Status: "success"}
	if !req.Stream {
		return jsonResponse(http.StatusOK, done), nil
	}
	return b.stream(ctx, []any{done}, 0, 0, nil), nil
}

func (b *Backend) showModel(body []byte) (*transport.Response, error) {
	var req api.ModelRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	m, ok := b.registry.Get(req.Name)
	if !ok {
		return notFound(req.Name), nil
	}
	return jsonResponse(http.StatusOK, api.ShowModelResponse{
		Modelfile:  fmt.Sprintf("# Modelfile generated by \"ollama show\"\nFROM %s\n", m.Name),
		Parameters: "num_ctx 2048",
		Template:   "{{ .Prompt }}",
		Details:    m.Details,
		ModifiedAt: m.ModifiedAt,
	}), nil
}

func (b *Backend) deleteModel(body []byte) (*transport.Response, error) {
	var req api.ModelRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	b.registry.Delete(req.Name)
	return jsonResponse(http.StatusOK, api.StatusResponse{Status: "success"}), nil
}

func (b *Backend) copyModel(body []byte) (*transport.Response, error) {
	var req api.CopyModelRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	if !b.registry.Copy(req.Source, req.Destination) {
		return notFound(req.Source), nil
	}
	return jsonResponse(http.StatusOK, api.StatusResponse{Status: "success"}), nil
}

var (
	pullPhases = []string{"downloading", "verifying", "extracting", "completed"}
	pushPhases = []string{"preparing", "uploading", "verifying", "completed"}
)

// transfer serves pull and push. A pull registers the model once its last
// phase has been produced.
func (b *Backend) transfer(ctx context.Context, body []byte, phases []string, register bool) (*transport.Response, error) {
	var req api.ModelRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	if req.Name == "" {
		return errorResponse(http.StatusBadRequest, "name is required"), nil
	}

	var onDone func()
	if register {
		name := req.Name
		onDone = func() { b.registry.Put(NewModelInfo(name)) }
	}

	items := make([]any, len(phases))
	for i, p := range phases {
		items[i] = api.ProgressResponse{Status: fmt.Sprintf("%s model %s", p, req.Name)}
	}
	if req.Stream != nil && !*req.Stream {
		if onDone != nil {
			onDone()
		}
		return jsonResponse(http.StatusOK, items[len(items)-1]), nil
	}
	return b.stream(ctx, items, len(items), b.stepDelay, onDone), nil
}

func (b *Backend) embeddings(body []byte) (*transport.Response, error) {
	var req api.EmbeddingRequest
	if resp := decode(body, &req); resp != nil {
		return resp, nil
	}
	if req.Model == "" {
		return errorResponse(http.StatusBadRequest, "model is required"), nil
	}
	b.registry.touch(req.Model)
	return jsonResponse(http.StatusOK, api.EmbeddingResponse{Embedding: append([]float64(nil), mockEmbedding...)}), nil
}

// =============================================================================
// RESPONSES
// =============================================================================

func wordsOr(text, fallback string) []string {
	if words := strings.Fields(text); len(words) > 0 {
		return words
	}
	return strings.Fields(fallback)
}

func decode(body []byte, v any) *transport.Response {
	if len(bytes.TrimSpace(body)) == 0 {
		return errorResponse(http.StatusBadRequest, "missing request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errorResponse(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func jsonResponse(status int, v any) *transport.Response {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(api.ErrorResponse{Error: err.Error()})
	}
	return &transport.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json; charset=utf-8"}},
		Body:       io.NopCloser(bytes.NewReader(data)),
	}
}

func errorResponse(status int, msg string) *transport.Response {
	return jsonResponse(status, api.ErrorResponse{Error: msg})
}

func notFound(name string) *transport.Response {
	return errorResponse(http.StatusNotFound, fmt.Sprintf("model '%s' not found", name))
}

func emptyResponse(status int) *transport.Response {
	return &transport.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       http.NoBody,
	}
}

// stream returns an NDJSON response whose lines are produced on demand.
// The first paced items are each preceded by delay.
func (b *Backend) stream(ctx context.Context, items []any, paced int, delay time.Duration, onDone func()) *transport.Response {
	return &transport.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/x-ndjson"}},
		Body: &lazyBody{
			ctx:    ctx,
			waiter: b.waiter,
			delay:  delay,
			items:  items,
			paced:  paced,
			onDone: onDone,
		},
	}
}

var errBodyClosed = errors.New("mock: read on closed body")

// lazyBody renders one item per refill inside Read, so every delay runs on
// the reader's goroutine and an abandoned body holds no timer.
type lazyBody struct {
	ctx    context.Context
	waiter wait.Waiter
	delay  time.Duration
	items  []any
	paced  int
	onDone func()

	next   int
	buf    []byte
	err    error
	closed atomic.Bool
}

func (l *lazyBody) Read(p []byte) (int, error) {
	for len(l.buf) == 0 {
		if l.closed.Load() {
			return 0, errBodyClosed
		}
		if l.err != nil {
			return 0, l.err
		}
		if l.next >= len(l.items) {
			l.err = io.EOF
			return 0, io.EOF
		}
		if l.next < l.paced && l.delay > 0 {
			if err := l.waiter.Wait(l.ctx, l.delay); err != nil {
				l.err = err
				return 0, err
			}
		}
		line, err := json.Marshal(l.items[l.next])
		if err != nil {
			l.err = err
			return 0, err
		}
		l.buf = append(line, '\n')
		l.next++
		if l.next == len(l.items) && l.onDone != nil {
			l.onDone()
		}
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}

func (l *lazyBody) Close() error {
	l.closed.Store(true)
	return nil
}
