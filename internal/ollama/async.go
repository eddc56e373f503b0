// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/wait"
)

// =============================================================================
// FUTURE
// =============================================================================

// Future is the pending result of a non-blocking call.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await returns the result, or ctx.Err() if ctx ends first. Giving up on a
// future does not cancel the operation; cancel the context it was started
// with for that.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Chunk is one element of an asynchronous stream. A chunk with Err set is
// the last one.
type Chunk[T any] struct {
	Value T
	Err   error
}

// =============================================================================
// ASYNC CLIENT
// =============================================================================

// AsyncClient is the non-blocking Ollama client. Every call returns at once:
// one-shot operations yield a Future, streaming operations a channel that
// is closed after the last chunk. Rate-limit waits, retry backoff and mock
// delays suspend on timers and end as soon as the call's context is
// cancelled.
//
// At most MaxInFlight operations run at the same time; the rest wait for a
// slot. Close cancels everything still running and waits for it to stop.
type AsyncClient struct {
	core *core

	base   context.Context
	cancel context.CancelFunc
	slots  chan struct{}

	// mu orders spawn against Close so wg never grows once Wait has begun.
	mu sync.Mutex
	wg conc.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewAsyncClient creates a non-blocking client. A nil config selects
// DefaultConfig.
func NewAsyncClient(config *ClientConfig) (*AsyncClient, error) {
	c, err := newCore(config, wait.Cooperative{})
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &AsyncClient{
		core:   c,
		base:   base,
		cancel: cancel,
		slots:  make(chan struct{}, c.config.MaxInFlight),
	}, nil
}

// Config returns the effective configuration.
func (a *AsyncClient) Config() ClientConfig { return a.core.config }

// Close cancels running operations, waits for them and releases pooled
// connections.
func (a *AsyncClient) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.core.closed.Store(true)
		a.mu.Unlock()

		a.cancel()
		a.wg.Wait()
		a.closeErr = a.core.close()
	})
	return a.closeErr
}

// opContext derives the context an operation runs under: it ends with the
// caller's context or when the client closes.
func (a *AsyncClient) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(a.base, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

func (a *AsyncClient) acquire(ctx context.Context) error {
	select {
	case a.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncClient) releaseSlot() { <-a.slots }

// spawn runs fn on a tracked goroutine unless the client is closed.
func (a *AsyncClient) spawn(fn func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.core.check(); err != nil {
		return err
	}
	a.wg.Go(fn)
	return nil
}

// async runs fn on a tracked goroutine and resolves the returned future.
func async[T any](a *AsyncClient, ctx context.Context, d api.Descriptor, prepErr error, fn func(context.Context, api.Descriptor) (T, error)) *Future[T] {
	f := newFuture[T]()
	if prepErr != nil {
		var zero T
		f.resolve(zero, prepErr)
		return f
	}
	opCtx, cancel := a.opContext(ctx)
	err := a.spawn(func() {
		defer cancel()
		if err := a.acquire(opCtx); err != nil {
			var zero T
			f.resolve(zero, callerError(opCtx, d.Endpoint, 0, err))
			return
		}
		defer a.releaseSlot()
		f.resolve(fn(opCtx, d))
	})
	if err != nil {
		cancel()
		var zero T
		f.resolve(zero, err)
	}
	return f
}

// asyncStream opens a stream on a tracked goroutine and forwards its chunks.
func asyncStream[T any](a *AsyncClient, ctx context.Context, d api.Descriptor, prepErr error) <-chan Chunk[T] {
	ch := make(chan Chunk[T], 1)
	if prepErr != nil {
		ch <- Chunk[T]{Err: prepErr}
		close(ch)
		return ch
	}
	opCtx, cancel := a.opContext(ctx)
	err := a.spawn(func() {
		defer close(ch)
		defer cancel()

		send := func(c Chunk[T]) bool {
			select {
			case ch <- c:
				return true
			case <-opCtx.Done():
				return false
			}
		}

		if err := a.acquire(opCtx); err != nil {
			send(Chunk[T]{Err: callerError(opCtx, d.Endpoint, 0, err)})
			return
		}
		defer a.releaseSlot()

		s, err := openStream[T](opCtx, a.core.exec, d)
		if err != nil {
			send(Chunk[T]{Err: err})
			return
		}
		defer s.Close()

		for v, err := range s.All() {
			if !send(Chunk[T]{Value: v, Err: err}) {
				return
			}
		}
	})
	if err != nil {
		cancel()
		ch <- Chunk[T]{Err: err}
		close(ch)
	}
	return ch
}

func executeFn[T any](x *executor) func(context.Context, api.Descriptor) (*T, error) {
	return func(ctx context.Context, d api.Descriptor) (*T, error) {
		return execute[T](ctx, x, d)
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Generate returns a completion for a prompt.
func (a *AsyncClient) Generate(ctx context.Context, req api.GenerateRequest) *Future[*api.GenerateResponse] {
	d, err := a.core.generate(req, false)
	return async(a, ctx, d, err, executeFn[api.GenerateResponse](a.core.exec))
}

// GenerateStream streams a completion one fragment at a time.
func (a *AsyncClient) GenerateStream(ctx context.Context, req api.GenerateRequest) <-chan Chunk[api.GenerateResponse] {
	d, err := a.core.generate(req, true)
	return asyncStream[api.GenerateResponse](a, ctx, d, err)
}

// Chat returns the assistant reply to a conversation.
func (a *AsyncClient) Chat(ctx context.Context, req api.ChatRequest) *Future[*api.ChatResponse] {
	d, err := a.core.chat(req, false)
	return async(a, ctx, d, err, executeFn[api.ChatResponse](a.core.exec))
}

// ChatStream streams the assistant reply to a conversation.
func (a *AsyncClient) ChatStream(ctx context.Context, req api.ChatRequest) <-chan Chunk[api.ChatResponse] {
	d, err := a.core.chat(req, true)
	return asyncStream[api.ChatResponse](a, ctx, d, err)
}

// CreateModel creates a model and returns the final status.
func (a *AsyncClient) CreateModel(ctx context.Context, req api.CreateModelRequest) *Future[*api.ProgressResponse] {
	d, err := a.core.createModel(req, false)
	return async(a, ctx, d, err, executeFn[api.ProgressResponse](a.core.exec))
}

// CreateModelStream creates a model and streams its progress.
func (a *AsyncClient) CreateModelStream(ctx context.Context, req api.CreateModelRequest) <-chan Chunk[api.ProgressResponse] {
	d, err := a.core.createModel(req, true)
	return asyncStream[api.ProgressResponse](a, ctx, d, err)
}

// ListModels retrieves all locally available models.
func (a *AsyncClient) ListModels(ctx context.Context) *Future[[]api.ModelInfo] {
	d, err := a.core.plain(api.EndpointListModels)
	return async(a, ctx, d, err, func(ctx context.Context, d api.Descriptor) ([]api.ModelInfo, error) {
		resp, err := execute[api.ListModelsResponse](ctx, a.core.exec, d)
		if err != nil {
			return nil, err
		}
		return resp.Models, nil
	})
}

// ListRunningModels retrieves the models currently loaded in memory.
func (a *AsyncClient) ListRunningModels(ctx context.Context) *Future[[]api.RunningModel] {
	d, err := a.core.plain(api.EndpointListRunning)
	return async(a, ctx, d, err, func(ctx context.Context, d api.Descriptor) ([]api.RunningModel, error) {
		resp, err := execute[api.ListRunningResponse](ctx, a.core.exec, d)
		if err != nil {
			return nil, err
		}
		return resp.Models, nil
	})
}

// ShowModel retrieves information about a specific model.
func (a *AsyncClient) ShowModel(ctx context.Context, name string) *Future[*api.ShowModelResponse] {
	d, err := a.core.named(api.EndpointShowModel, api.ModelRequest{Name: name}, nil)
	return async(a, ctx, d, err, executeFn[api.ShowModelResponse](a.core.exec))
}

// DeleteModel removes a model.
func (a *AsyncClient) DeleteModel(ctx context.Context, name string) *Future[*api.StatusResponse] {
	d, err := a.core.named(api.EndpointDeleteModel, api.ModelRequest{Name: name}, nil)
	return async(a, ctx, d, err, executeFn[api.StatusResponse](a.core.exec))
}

// CopyModel registers dst as a copy of src.
func (a *AsyncClient) CopyModel(ctx context.Context, src, dst string) *Future[*api.StatusResponse] {
	d, err := a.core.copyModel(src, dst)
	return async(a, ctx, d, err, executeFn[api.StatusResponse](a.core.exec))
}

// PullModel downloads a model and returns the final status.
func (a *AsyncClient) PullModel(ctx context.Context, req api.ModelRequest) *Future[*api.ProgressResponse] {
	d, err := a.core.named(api.EndpointPullModel, req, streamOff)
	return async(a, ctx, d, err, executeFn[api.ProgressResponse](a.core.exec))
}

// PullModelStream downloads a model and streams its progress.
func (a *AsyncClient) PullModelStream(ctx context.Context, req api.ModelRequest) <-chan Chunk[api.ProgressResponse] {
	d, err := a.core.named(api.EndpointPullModel, req, streamOn)
	return asyncStream[api.ProgressResponse](a, ctx, d, err)
}

// PushModel uploads a model and returns the final status.
func (a *AsyncClient) PushModel(ctx context.Context, req api.ModelRequest) *Future[*api.ProgressResponse] {
	d, err := a.core.named(api.EndpointPushModel, req, streamOff)
	return async(a, ctx, d, err, executeFn[api.ProgressResponse](a.core.exec))
}

// PushModelStream uploads a model and streams its progress.
func (a *AsyncClient) PushModelStream(ctx context.Context, req api.ModelRequest) <-chan Chunk[api.ProgressResponse] {
	d, err := a.core.named(api.EndpointPushModel, req, streamOn)
	return asyncStream[api.ProgressResponse](a, ctx, d, err)
}

// Embeddings creates an embedding vector for a prompt.
func (a *AsyncClient) Embeddings(ctx context.Context, req api.EmbeddingRequest) *Future[*api.EmbeddingResponse] {
	d, err := a.core.embeddings(req)
	return async(a, ctx, d, err, executeFn[api.EmbeddingResponse](a.core.exec))
}

// Version returns the server version.
func (a *AsyncClient) Version(ctx context.Context) *Future[string] {
	d, err := a.core.plain(api.EndpointVersion)
	return async(a, ctx, d, err, func(ctx context.Context, d api.Descriptor) (string, error) {
		resp, err := execute[api.VersionResponse](ctx, a.core.exec, d)
		if err != nil {
			return "", err
		}
		return resp.Version, nil
	})
}

// UploadBlob stores data on the server under digest.
func (a *AsyncClient) UploadBlob(ctx context.Context, digest string, data []byte) *Future[struct{}] {
	d, err := a.core.blob(api.EndpointBlobUpload, digest)
	if data == nil {
		data = []byte{}
	}
	return async(a, ctx, d.WithBody(data, "application/octet-stream"), err, func(ctx context.Context, d api.Descriptor) (struct{}, error) {
		_, err := runStatus(ctx, a.core.exec, d)
		return struct{}{}, err
	})
}

// BlobExists reports whether the server holds a blob with digest.
func (a *AsyncClient) BlobExists(ctx context.Context, digest string) *Future[bool] {
	d, err := a.core.blob(api.EndpointBlobCheck, digest)
	return async(a, ctx, d, err, func(ctx context.Context, d api.Descriptor) (bool, error) {
		_, err := runStatus(ctx, a.core.exec, d)
		if IsNotFound(err) {
			return false, nil
		}
		return err == nil, err
	})
}
