// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/ratelimit"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
	"github.com/jeranaias/rigrun-ollama/internal/wait"
)

// maxErrorBody bounds how much of a non-2xx body is read for its message.
const maxErrorBody = 64 << 10

// executor runs one operation: admission, attempts, classification and
// retry. Blocking and non-blocking clients share it and differ only in the
// waiter.
type executor struct {
	transport transport.Transport
	limiter   *ratelimit.Registry
	waiter    wait.Waiter
	retry     RetryPolicy
	timeout   time.Duration
	logger    logrus.FieldLogger
}

// response is a successful attempt. For streams body is open and cancel
// releases the attempt; otherwise data holds the full body.
type response struct {
	status int
	header http.Header
	data   []byte
	body   io.ReadCloser
	cancel context.CancelFunc
}

// run executes d until it succeeds, fails permanently or runs out of
// attempts.
func (x *executor) run(ctx context.Context, d api.Descriptor) (*response, error) {
	body, contentType, err := encodeBody(d)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	log := x.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"endpoint":   d.Endpoint,
	})

	total := x.retry.attempts()
	for attempt := 1; ; attempt++ {
		if _, err := x.limiter.AcquireWith(ctx, string(d.Endpoint), 1, x.waiter); err != nil {
			return nil, callerError(ctx, d.Endpoint, attempt-1, err)
		}

		log.WithField("attempt", attempt).Debug("Sending request")
		resp, aerr := x.attempt(ctx, d, requestID, body, contentType)
		if aerr == nil {
			return resp, nil
		}
		aerr.Attempts = attempt

		if ctx.Err() != nil || !aerr.transient() || attempt >= total {
			if ctx.Err() == nil && aerr.Kind == KindConnection && aerr.transient() {
				aerr.Message += "; " + ConnectionHint
			}
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"status":  aerr.Status,
				"kind":    aerr.Kind.String(),
			}).Debug("Request failed")
			return nil, aerr
		}

		delay := x.retry.Delay(attempt)
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"status":  aerr.Status,
			"delay":   delay,
		}).WithError(aerr).Warn("Retrying request")

		if err := x.waiter.Wait(ctx, delay); err != nil {
			return nil, callerError(ctx, d.Endpoint, attempt, err)
		}
	}
}

// attempt performs a single transport call bounded by the attempt timeout.
// For streams the timeout stops applying once headers have arrived.
func (x *executor) attempt(ctx context.Context, d api.Descriptor, requestID string, body []byte, contentType string) (*response, *Error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = x.timeout
	}

	actx, cancel := context.WithCancel(ctx)
	var fired atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		fired.Store(true)
		cancel()
	})

	header := http.Header{}
	header.Set("X-Request-ID", requestID)
	header.Set("Accept", "application/json")
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}

	resp, err := x.transport.RoundTrip(actx, &transport.Request{
		Method: d.Method,
		Path:   d.Path,
		Header: header,
		Body:   body,
		Stream: d.Stream,
	})
	if err != nil {
		timer.Stop()
		cancel()
		return nil, x.classify(ctx, d, err, fired.Load(), timeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(resp)
		timer.Stop()
		cancel()
		return nil, &Error{Kind: KindUpstream, Status: resp.StatusCode, Message: msg, Endpoint: d.Endpoint}
	}

	if d.Stream {
		if !timer.Stop() && fired.Load() {
			transport.DrainAndClose(resp.Body)
			cancel()
			return nil, x.classify(ctx, d, context.DeadlineExceeded, true, timeout)
		}
		return &response{status: resp.StatusCode, header: resp.Header, body: resp.Body, cancel: cancel}, nil
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	timer.Stop()
	cancel()
	if err != nil {
		return nil, x.classify(ctx, d, err, fired.Load(), timeout)
	}
	return &response{status: resp.StatusCode, header: resp.Header, data: data}, nil
}

// classify turns a transport failure into an Error. Only network failures
// are connection errors; anything else is permanent.
func (x *executor) classify(ctx context.Context, d api.Descriptor, err error, timedOut bool, timeout time.Duration) *Error {
	if ctx.Err() != nil {
		return callerError(ctx, d.Endpoint, 0, ctx.Err())
	}
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Kind:     KindTimeout,
			Message:  fmt.Sprintf("request timed out after %s", timeout),
			Endpoint: d.Endpoint,
			Cause:    err,
		}
	}
	if errors.Is(err, transport.ErrClosed) {
		return &Error{Kind: KindConnection, Message: "transport closed", Endpoint: d.Endpoint, Cause: err}
	}
	if transport.IsConnectionError(err) {
		return &Error{
			Kind:     KindConnection,
			Message:  "failed to reach Ollama server",
			Endpoint: d.Endpoint,
			Cause:    err,
		}
	}
	return &Error{Kind: KindUnknown, Message: "request failed", Endpoint: d.Endpoint, Cause: err}
}

// callerError reports that the caller's context ended. A deadline set by
// the caller is a timeout; anything else is a cancellation. Neither is
// retried.
func callerError(ctx context.Context, ep api.Endpoint, attempts int, err error) *Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "deadline exceeded", Endpoint: ep, Attempts: attempts, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCanceled, Message: "request canceled", Endpoint: ep, Attempts: attempts, Cause: err}
	}
	return &Error{Kind: KindUnknown, Message: "admission failed", Endpoint: ep, Attempts: attempts, Cause: err}
}

// encodeBody renders the request body of d.
func encodeBody(d api.Descriptor) ([]byte, string, error) {
	if d.Body != nil {
		ct := d.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return d.Body, ct, nil
	}
	if d.Payload == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, "", &Error{Kind: KindValidation, Message: "failed to marshal request", Endpoint: d.Endpoint, Cause: err}
	}
	return data, "application/json", nil
}

// errorMessage extracts the server's error text from a non-2xx response
// and closes the body.
func errorMessage(resp *transport.Response) string {
	defer transport.DrainAndClose(resp.Body)

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var e api.ErrorResponse
	if err := json.Unmarshal(data, &e); err == nil && e.Error != "" {
		return e.Error
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return strings.ToLower(text)
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}

// =============================================================================
// TYPED WRAPPERS
// =============================================================================

// execute runs d and decodes the body into T. An empty body yields the zero
// value; some endpoints answer 200 with no content.
func execute[T any](ctx context.Context, x *executor, d api.Descriptor) (*T, error) {
	resp, err := x.run(ctx, d.WithStream(false))
	if err != nil {
		return nil, err
	}
	out := new(T)
	if len(bytes.TrimSpace(resp.data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.data, out); err != nil {
		return nil, &Error{Kind: KindResponseFormat, Message: "failed to decode response", Endpoint: d.Endpoint, Cause: err}
	}
	return out, nil
}

// runStatus runs d and returns only the response status.
func runStatus(ctx context.Context, x *executor, d api.Descriptor) (int, error) {
	resp, err := x.run(ctx, d.WithStream(false))
	if err != nil {
		return 0, err
	}
	return resp.status, nil
}

// openStream runs d and returns a decoder over the NDJSON body.
func openStream[T any](ctx context.Context, x *executor, d api.Descriptor) (*Stream[T], error) {
	resp, err := x.run(ctx, d.WithStream(true))
	if err != nil {
		return nil, err
	}
	return newStream[T](ctx, d.Endpoint, resp.body, resp.cancel), nil
}
