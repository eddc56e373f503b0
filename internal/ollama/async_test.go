// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/mock"
)

func asyncMock(t *testing.T, opts ...mock.Option) *AsyncClient {
	t.Helper()
	logger, _ := test.NewNullLogger()
	client, err := NewAsyncClient(&ClientConfig{
		Mock:        true,
		MockOptions: append([]mock.Option{mock.WithWordDelay(0), mock.WithStepDelay(0)}, opts...),
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func collect[T any](t *testing.T, ch <-chan Chunk[T]) ([]T, error) {
	t.Helper()
	var out []T
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out, nil
			}
			if c.Err != nil {
				return out, c.Err
			}
			out = append(out, c.Value)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestAsync_FuturesResolve(t *testing.T) {
	client := asyncMock(t)
	ctx := context.Background()

	created, err := client.CreateModel(ctx, api.CreateModelRequest{Model: "demo"}).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", created.Status)

	models, err := client.ListModels(ctx).Await(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "demo", models[0].Name)

	v := client.Version(ctx)
	<-v.Done()
	version, err := v.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0-mock", version)

	gen, err := client.Generate(ctx, api.GenerateRequest{Model: "demo", Prompt: "hi there"}).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi there", gen.Response)

	_, err = client.ShowModel(ctx, "ghost").Await(ctx)
	assert.True(t, IsNotFound(err))

	_, err = client.UploadBlob(ctx, "sha256:feed", []byte("x")).Await(ctx)
	require.NoError(t, err)
	ok, err := client.BlobExists(ctx, "sha256:feed").Await(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAsync_ConcurrentFutures(t *testing.T) {
	client := asyncMock(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	futures := make([]*Future[*api.EmbeddingResponse], 20)
	for i := range futures {
		futures[i] = client.Embeddings(ctx, api.EmbeddingRequest{Model: "embed", Prompt: "x"})
	}
	for _, f := range futures {
		wg.Add(1)
		go func(f *Future[*api.EmbeddingResponse]) {
			defer wg.Done()
			resp, err := f.Await(ctx)
			assert.NoError(t, err)
			assert.Len(t, resp.Embedding, 5)
		}(f)
	}
	wg.Wait()
}

func TestAsync_ValidationResolvesImmediately(t *testing.T) {
	client := asyncMock(t)
	f := client.Chat(context.Background(), api.ChatRequest{Model: "m"})

	select {
	case <-f.Done():
	default:
		t.Fatal("future should already be resolved")
	}
	_, err := f.Await(context.Background())
	assert.True(t, IsValidation(err))

	chunks, err := collect(t, client.GenerateStream(context.Background(), api.GenerateRequest{Prompt: "p"}))
	assert.Empty(t, chunks)
	assert.True(t, IsValidation(err))
}

func TestAsync_GenerateStream(t *testing.T) {
	client := asyncMock(t)

	chunks, err := collect(t, client.GenerateStream(context.Background(), api.GenerateRequest{Model: "demo", Prompt: "hi there"}))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "hi", chunks[0].Response)
	assert.Equal(t, "there", chunks[1].Response)
	assert.True(t, chunks[2].Done)
}

func TestAsync_PullStream(t *testing.T) {
	client := asyncMock(t)
	ctx := context.Background()

	phases, err := collect(t, client.PullModelStream(ctx, api.ModelRequest{Name: "llama3"}))
	require.NoError(t, err)
	assert.Len(t, phases, 4)

	exists, err := client.ShowModel(ctx, "llama3").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Q4_0", exists.Details.QuantizationLevel)
}

func TestAsync_ContextCancelClosesStream(t *testing.T) {
	client := asyncMock(t, mock.WithWordDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	ch := client.GenerateStream(ctx, api.GenerateRequest{Model: "m", Prompt: "never arrives"})
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	_, err := collect(t, ch)
	assert.Less(t, time.Since(start), time.Second)
	if err != nil {
		assert.ErrorIs(t, err, ErrCanceled)
	}
}

func TestAsync_CloseCancelsInFlight(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client, err := NewAsyncClient(&ClientConfig{
		Mock:        true,
		MockOptions: []mock.Option{mock.WithLatency(time.Hour)},
		Logger:      logger,
	})
	require.NoError(t, err)

	f := client.Version(context.Background())
	ch := client.ChatStream(context.Background(), api.ChatRequest{
		Model:    "m",
		Messages: []api.Message{api.NewUserMessage("hello")},
	})

	start := time.Now()
	require.NoError(t, client.Close())
	assert.Less(t, time.Since(start), time.Second)

	_, err = f.Await(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	for range ch {
	}

	_, err = client.Version(context.Background()).Await(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
}

// TestAsync_CallsRacingClose starts calls while Close runs. Every call must
// either finish, be cancelled or see the closed client, and Close must not
// return while one of them is still running.
// Run with: go test -race -run TestAsync_CallsRacingClose
func TestAsync_CallsRacingClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client, err := NewAsyncClient(&ClientConfig{
		Mock:        true,
		MockOptions: []mock.Option{mock.WithLatency(5 * time.Millisecond), mock.WithWordDelay(0)},
		Logger:      logger,
	})
	require.NoError(t, err)

	const callers = 32
	futures := make(chan *Future[string], callers*10)
	streams := make(chan (<-chan Chunk[api.GenerateResponse]), callers*10)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 5; j++ {
				futures <- client.Version(context.Background())
				streams <- client.GenerateStream(context.Background(), api.GenerateRequest{Model: "m", Prompt: "hi"})
			}
		}()
	}
	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, client.Close())
	wg.Wait()
	close(futures)
	close(streams)

	allowed := func(err error) bool {
		return err == nil || errors.Is(err, ErrClientClosed) || errors.Is(err, ErrCanceled)
	}
	for f := range futures {
		select {
		case <-f.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("future never resolved")
		}
		_, err := f.Await(context.Background())
		assert.True(t, allowed(err), "unexpected error: %v", err)
	}
	for ch := range streams {
		_, err := collect(t, ch)
		assert.True(t, allowed(err), "unexpected error: %v", err)
	}
}

func TestAsync_MaxInFlight(t *testing.T) {
	logger, _ := test.NewNullLogger()
	client, err := NewAsyncClient(&ClientConfig{
		Mock:        true,
		MaxInFlight: 1,
		MockOptions: []mock.Option{mock.WithLatency(time.Hour)},
		Logger:      logger,
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_ = client.Version(ctx)
	second := client.Version(context.Background())

	wait, done := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer done()
	_, err = second.Await(wait)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second call waits for the slot")
	cancel()
}

func TestFuture_AwaitGivesUp(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	f.resolve(7, nil)
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
