// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/ndjson"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("ollama: stream closed")

// =============================================================================
// STREAM
// =============================================================================

// Stream yields the chunks of a streaming response in arrival order.
//
// Next returns io.EOF once the server has closed the stream. Any error is
// final: later calls return it again and nothing further is yielded. Close
// may be called at any time, from any goroutine, to abandon the stream; it
// cancels the underlying request and releases the connection. Next itself
// must not be called concurrently.
type Stream[T any] struct {
	ctx      context.Context
	endpoint api.Endpoint
	dec      *ndjson.Decoder
	body     io.ReadCloser
	cancel   context.CancelFunc

	err       error
	closed    atomic.Bool
	closeOnce sync.Once
}

func newStream[T any](ctx context.Context, ep api.Endpoint, body io.ReadCloser, cancel context.CancelFunc) *Stream[T] {
	return &Stream[T]{
		ctx:      ctx,
		endpoint: ep,
		dec:      ndjson.NewDecoder(body),
		body:     body,
		cancel:   cancel,
	}
}

// Next returns the next chunk.
func (s *Stream[T]) Next() (T, error) {
	var v T
	if s.err != nil {
		return v, s.err
	}
	if s.closed.Load() {
		s.err = ErrStreamClosed
		return v, s.err
	}
	if err := s.dec.Decode(&v); err != nil {
		s.err = s.wrap(err)
		s.release(errors.Is(err, io.EOF))
		var zero T
		return zero, s.err
	}
	return v, nil
}

func (s *Stream[T]) wrap(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	var syn *ndjson.SyntaxError
	if errors.As(err, &syn) {
		return &Error{Kind: KindResponseFormat, Message: "malformed stream chunk", Endpoint: s.endpoint, Cause: err}
	}
	if s.ctx.Err() != nil {
		return callerError(s.ctx, s.endpoint, 0, err)
	}
	if s.closed.Load() {
		return ErrStreamClosed
	}
	return &Error{Kind: KindConnection, Message: "stream interrupted", Endpoint: s.endpoint, Cause: err}
}

// All iterates over the remaining chunks. A terminal error other than
// io.EOF is yielded once. The stream is closed when iteration stops.
func (s *Stream[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer s.Close()
		for {
			v, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Collect reads the stream to the end.
func (s *Stream[T]) Collect() ([]T, error) {
	var out []T
	for v, err := range s.All() {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Close abandons the stream. It is safe to call more than once.
func (s *Stream[T]) Close() error {
	s.closed.Store(true)
	s.release(false)
	return nil
}

// release frees the request. A fully read body is closed first so the
// connection returns to the pool; an abandoned one is cancelled first so a
// blocked Next wakes up.
func (s *Stream[T]) release(drained bool) {
	s.closeOnce.Do(func() {
		if !drained {
			s.cancel()
		}
		s.body.Close()
		s.cancel()
	})
}
