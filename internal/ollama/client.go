// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/mock"
	"github.com/jeranaias/rigrun-ollama/internal/ratelimit"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
	"github.com/jeranaias/rigrun-ollama/internal/wait"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// DefaultBaseURL is the address of a local Ollama server.
// Uses explicit IPv4 address instead of localhost to avoid IPv6 resolution issues on Windows.
const DefaultBaseURL = "http://127.0.0.1:11434"

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout bounds one attempt: connect and headers, plus the full body
	// for non-streaming calls (default: 60s)
	Timeout time.Duration

	// DefaultModel fills requests that leave the model empty (default: none)
	DefaultModel string

	// Retry controls retries of transient failures. The zero value selects
	// DefaultRetryPolicy; set MaxAttempts to -1 to disable retries.
	Retry RetryPolicy

	// Limits configures per-endpoint admission (default: ratelimit.DefaultLimits)
	Limits ratelimit.Limits

	// Pool sizes the HTTP connection pool
	Pool transport.PoolConfig

	// Mock answers every call from an in-memory backend instead of a server
	Mock bool

	// MockOptions configure the backend created when Mock is set
	MockOptions []mock.Option

	// Transport overrides both BaseURL and Mock
	Transport transport.Transport

	// MaxInFlight bounds concurrent operations of an AsyncClient (default: 64)
	MaxInFlight int

	// Logger receives request logs (default: logrus standard logger)
	Logger logrus.FieldLogger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:     DefaultBaseURL,
		Timeout:     60 * time.Second,
		Retry:       DefaultRetryPolicy(),
		Limits:      ratelimit.DefaultLimits(),
		Pool:        transport.DefaultPoolConfig(),
		MaxInFlight: 64,
		Logger:      logrus.StandardLogger(),
	}
}

// withDefaults returns a copy of c with zero values filled in.
func (c *ClientConfig) withDefaults() ClientConfig {
	d := DefaultConfig()
	if c == nil {
		return *d
	}
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = d.BaseURL
	}
	if out.Timeout <= 0 {
		out.Timeout = d.Timeout
	}
	if out.Retry == (RetryPolicy{}) {
		out.Retry = d.Retry
	}
	if out.MaxInFlight <= 0 {
		out.MaxInFlight = d.MaxInFlight
	}
	if out.Logger == nil {
		out.Logger = d.Logger
	}
	return out
}

// =============================================================================
// CORE
// =============================================================================

// core holds what the blocking and non-blocking clients share: the
// executor and the validation that precedes every call.
type core struct {
	config ClientConfig
	exec   *executor
	closed atomic.Bool
}

func newCore(cfg *ClientConfig, w wait.Waiter) (*core, error) {
	config := cfg.withDefaults()

	t := config.Transport
	if t == nil {
		if config.Mock {
			opts := append([]mock.Option{mock.WithWaiter(w), mock.WithLogger(config.Logger)}, config.MockOptions...)
			t = mock.NewBackend(opts...)
		} else {
			h, err := transport.NewHTTP(config.BaseURL, config.Pool)
			if err != nil {
				return nil, err
			}
			t = h
		}
	}

	config.Logger.WithFields(logrus.Fields{
		"base_url": config.BaseURL,
		"mock":     config.Mock,
	}).Debug("Initialized Ollama client")

	return &core{
		config: config,
		exec: &executor{
			transport: t,
			limiter:   ratelimit.NewRegistry(config.Limits, w),
			waiter:    w,
			retry:     config.Retry,
			timeout:   config.Timeout,
			logger:    config.Logger,
		},
	}, nil
}

func (c *core) check() error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return nil
}

func (c *core) model(name string) string {
	if name == "" {
		return c.config.DefaultModel
	}
	return name
}

func (c *core) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.exec.transport.Close()
}

func (c *core) generate(req api.GenerateRequest, stream bool) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	req.Model = c.model(req.Model)
	if req.Model == "" {
		return api.Descriptor{}, validationError(api.EndpointGenerate, "model is required")
	}
	req.Stream = stream
	return api.NewDescriptor(api.EndpointGenerate, req), nil
}

func (c *core) chat(req api.ChatRequest, stream bool) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	req.Model = c.model(req.Model)
	if req.Model == "" {
		return api.Descriptor{}, validationError(api.EndpointChat, "model is required")
	}
	if len(req.Messages) == 0 {
		return api.Descriptor{}, validationError(api.EndpointChat, "at least one message is required")
	}
	req.Stream = stream
	return api.NewDescriptor(api.EndpointChat, req), nil
}

func (c *core) createModel(req api.CreateModelRequest, stream bool) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	if req.Model == "" {
		return api.Descriptor{}, validationError(api.EndpointCreateModel, "model is required")
	}
	req.Stream = stream
	return api.NewDescriptor(api.EndpointCreateModel, req), nil
}

func (c *core) named(ep api.Endpoint, req api.ModelRequest, stream *bool) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	if req.Name == "" {
		return api.Descriptor{}, validationError(ep, "model name is required")
	}
	req.Stream = stream
	return api.NewDescriptor(ep, req), nil
}

func (c *core) copyModel(src, dst string) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	if src == "" || dst == "" {
		return api.Descriptor{}, validationError(api.EndpointCopyModel, "source and destination are required")
	}
	return api.NewDescriptor(api.EndpointCopyModel, api.CopyModelRequest{Source: src, Destination: dst}), nil
}

func (c *core) embeddings(req api.EmbeddingRequest) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	req.Model = c.model(req.Model)
	if req.Model == "" {
		return api.Descriptor{}, validationError(api.EndpointEmbeddings, "model is required")
	}
	return api.NewDescriptor(api.EndpointEmbeddings, req), nil
}

func (c *core) blob(ep api.Endpoint, digest string) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	if !strings.HasPrefix(digest, "sha256:") || len(digest) == len("sha256:") {
		return api.Descriptor{}, validationError(ep, "digest must have the form sha256:<hex>")
	}
	return api.NewDescriptor(ep, nil).WithPathParam(digest), nil
}

func (c *core) plain(ep api.Endpoint) (api.Descriptor, error) {
	if err := c.check(); err != nil {
		return api.Descriptor{}, err
	}
	return api.NewDescriptor(ep, nil), nil
}

var (
	streamOn  = func() *bool { b := true; return &b }()
	streamOff = func() *bool { b := false; return &b }()
)

// =============================================================================
// CLIENT
// =============================================================================

// Client is the blocking Ollama client: every call occupies the calling
// goroutine until it completes, including rate-limit waits and retry
// backoff. Streaming methods return a Stream whose Next blocks for each
// chunk.
//
// Methods ending in Stream always request a streamed response and the
// others never do, whatever the request's own Stream field says.
//
// The Client is thread-safe for concurrent use.
//
// Example:
//
//	client, err := ollama.NewClient(&ollama.ClientConfig{BaseURL: "http://127.0.0.1:11434"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//	resp, err := client.Generate(ctx, api.GenerateRequest{Model: "llama3", Prompt: "Hello"})
type Client struct {
	core *core
}

// NewClient creates a blocking client. A nil config selects DefaultConfig.
func NewClient(config *ClientConfig) (*Client, error) {
	c, err := newCore(config, wait.Blocking{})
	if err != nil {
		return nil, err
	}
	return &Client{core: c}, nil
}

// Config returns the effective configuration.
func (c *Client) Config() ClientConfig { return c.core.config }

// Close releases pooled connections. Later calls fail with ErrClientClosed.
func (c *Client) Close() error { return c.core.close() }

// Generate returns a complete completion for a prompt.
func (c *Client) Generate(ctx context.Context, req api.GenerateRequest) (*api.GenerateResponse, error) {
	d, err := c.core.generate(req, false)
	if err != nil {
		return nil, err
	}
	return execute[api.GenerateResponse](ctx, c.core.exec, d)
}

// GenerateStream streams a completion one fragment at a time.
func (c *Client) GenerateStream(ctx context.Context, req api.GenerateRequest) (*Stream[api.GenerateResponse], error) {
	d, err := c.core.generate(req, true)
	if err != nil {
		return nil, err
	}
	return openStream[api.GenerateResponse](ctx, c.core.exec, d)
}

// Chat returns the complete assistant reply to a conversation.
func (c *Client) Chat(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error) {
	d, err := c.core.chat(req, false)
	if err != nil {
		return nil, err
	}
	return execute[api.ChatResponse](ctx, c.core.exec, d)
}

// ChatStream streams the assistant reply to a conversation.
func (c *Client) ChatStream(ctx context.Context, req api.ChatRequest) (*Stream[api.ChatResponse], error) {
	d, err := c.core.chat(req, true)
	if err != nil {
		return nil, err
	}
	return openStream[api.ChatResponse](ctx, c.core.exec, d)
}

// CreateModel creates a model and returns the final status.
func (c *Client) CreateModel(ctx context.Context, req api.CreateModelRequest) (*api.ProgressResponse, error) {
	d, err := c.core.createModel(req, false)
	if err != nil {
		return nil, err
	}
	return execute[api.ProgressResponse](ctx, c.core.exec, d)
}

// CreateModelStream creates a model and streams its progress.
func (c *Client) CreateModelStream(ctx context.Context, req api.CreateModelRequest) (*Stream[api.ProgressResponse], error) {
	d, err := c.core.createModel(req, true)
	if err != nil {
		return nil, err
	}
	return openStream[api.ProgressResponse](ctx, c.core.exec, d)
}

// ListModels retrieves all locally available models.
func (c *Client) ListModels(ctx context.Context) ([]api.ModelInfo, error) {
	d, err := c.core.plain(api.EndpointListModels)
	if err != nil {
		return nil, err
	}
	resp, err := execute[api.ListModelsResponse](ctx, c.core.exec, d)
	if err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// ListRunningModels retrieves the models currently loaded in memory.
func (c *Client) ListRunningModels(ctx context.Context) ([]api.RunningModel, error) {
	d, err := c.core.plain(api.EndpointListRunning)
	if err != nil {
		return nil, err
	}
	resp, err := execute[api.ListRunningResponse](ctx, c.core.exec, d)
	if err != nil {
		return nil, err
	}
	return resp.Models, nil
}

// ShowModel retrieves information about a specific model.
func (c *Client) ShowModel(ctx context.Context, name string) (*api.ShowModelResponse, error) {
	d, err := c.core.named(api.EndpointShowModel, api.ModelRequest{Name: name}, nil)
	if err != nil {
		return nil, err
	}
	return execute[api.ShowModelResponse](ctx, c.core.exec, d)
}

// DeleteModel removes a model. Deleting an unknown model is not an error
// for servers that answer it with success.
func (c *Client) DeleteModel(ctx context.Context, name string) error {
	d, err := c.core.named(api.EndpointDeleteModel, api.ModelRequest{Name: name}, nil)
	if err != nil {
		return err
	}
	_, err = execute[api.StatusResponse](ctx, c.core.exec, d)
	return err
}

// CopyModel registers dst as a copy of src.
func (c *Client) CopyModel(ctx context.Context, src, dst string) error {
	d, err := c.core.copyModel(src, dst)
	if err != nil {
		return err
	}
	_, err = execute[api.StatusResponse](ctx, c.core.exec, d)
	return err
}

// PullModel downloads a model and returns the final status.
func (c *Client) PullModel(ctx context.Context, req api.ModelRequest) (*api.ProgressResponse, error) {
	d, err := c.core.named(api.EndpointPullModel, req, streamOff)
	if err != nil {
		return nil, err
	}
	return execute[api.ProgressResponse](ctx, c.core.exec, d)
}

// PullModelStream downloads a model and streams its progress.
func (c *Client) PullModelStream(ctx context.Context, req api.ModelRequest) (*Stream[api.ProgressResponse], error) {
	d, err := c.core.named(api.EndpointPullModel, req, streamOn)
	if err != nil {
		return nil, err
	}
	return openStream[api.ProgressResponse](ctx, c.core.exec, d)
}

// PushModel uploads a model and returns the final status.
func (c *Client) PushModel(ctx context.Context, req api.ModelRequest) (*api.ProgressResponse, error) {
	d, err := c.core.named(api.EndpointPushModel, req, streamOff)
	if err != nil {
		return nil, err
	}
	return execute[api.ProgressResponse](ctx, c.core.exec, d)
}

// PushModelStream uploads a model and streams its progress.
func (c *Client) PushModelStream(ctx context.Context, req api.ModelRequest) (*Stream[api.ProgressResponse], error) {
	d, err := c.core.named(api.EndpointPushModel, req, streamOn)
	if err != nil {
		return nil, err
	}
	return openStream[api.ProgressResponse](ctx, c.core.exec, d)
}

// Embeddings creates an embedding vector for a prompt.
func (c *Client) Embeddings(ctx context.Context, req api.EmbeddingRequest) (*api.EmbeddingResponse, error) {
	d, err := c.core.embeddings(req)
	if err != nil {
		return nil, err
	}
	return execute[api.EmbeddingResponse](ctx, c.core.exec, d)
}

// Version returns the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	d, err := c.core.plain(api.EndpointVersion)
	if err != nil {
		return "", err
	}
	resp, err := execute[api.VersionResponse](ctx, c.core.exec, d)
	if err != nil {
		return "", err
	}
	return resp.Version, nil
}

// UploadBlob stores data on the server under digest. The digest is not
// verified client-side.
func (c *Client) UploadBlob(ctx context.Context, digest string, data []byte) error {
	d, err := c.core.blob(api.EndpointBlobUpload, digest)
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err = runStatus(ctx, c.core.exec, d.WithBody(data, "application/octet-stream"))
	return err
}

// BlobExists reports whether the server holds a blob with digest.
func (c *Client) BlobExists(ctx context.Context, digest string) (bool, error) {
	d, err := c.core.blob(api.EndpointBlobCheck, digest)
	if err != nil {
		return false, err
	}
	_, err = runStatus(ctx, c.core.exec, d)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ModelExists checks if a model is available locally.
func (c *Client) ModelExists(ctx context.Context, name string) (bool, error) {
	_, err := c.ShowModel(ctx, name)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Ping verifies that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}
