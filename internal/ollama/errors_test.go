// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/transport"
)

func TestError_Format(t *testing.T) {
	err := &Error{
		Kind:     KindUpstream,
		Status:   500,
		Message:  "boom",
		Endpoint: api.EndpointGenerate,
		Attempts: 4,
		Cause:    errors.New("eof"),
	}
	assert.Equal(t, "ollama generate: boom (status 500) after 4 attempts: eof", err.Error())

	plain := &Error{Kind: KindValidation, Message: "model is required"}
	assert.Equal(t, "ollama: model is required", plain.Error())
}

func TestError_IsMatchesKindSentinels(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindTimeout, Message: "slow", Endpoint: api.EndpointChat})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrConnection)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsUpstream(err))
}

func TestError_Transient(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want bool
	}{
		{"connection", &Error{Kind: KindConnection}, true},
		{"closed transport", &Error{Kind: KindConnection, Cause: transport.ErrClosed}, false},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"500", &Error{Kind: KindUpstream, Status: 500}, true},
		{"503", &Error{Kind: KindUpstream, Status: 503}, true},
		{"429", &Error{Kind: KindUpstream, Status: 429}, true},
		{"404", &Error{Kind: KindUpstream, Status: 404}, false},
		{"400", &Error{Kind: KindUpstream, Status: 400}, false},
		{"format", &Error{Kind: KindResponseFormat}, false},
		{"validation", &Error{Kind: KindValidation}, false},
		{"canceled", &Error{Kind: KindCanceled}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.transient())
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 200},
		{"validation", &Error{Kind: KindValidation}, 400},
		{"timeout", &Error{Kind: KindTimeout}, 504},
		{"connection", &Error{Kind: KindConnection}, 503},
		{"upstream 404", &Error{Kind: KindUpstream, Status: 404}, 404},
		{"upstream no status", &Error{Kind: KindUpstream}, 502},
		{"format", &Error{Kind: KindResponseFormat}, 502},
		{"canceled", &Error{Kind: KindCanceled}, 499},
		{"bare cancel", context.Canceled, 499},
		{"bare deadline", context.DeadlineExceeded, 504},
		{"other", errors.New("x"), 500},
		{"closed", ErrClientClosed, 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

func TestErrorBody(t *testing.T) {
	body := ErrorBody(&Error{Kind: KindUpstream, Status: 404, Message: "model 'x' not found", Endpoint: api.EndpointShowModel})
	assert.Equal(t, ErrorPayload{
		Error:  "ollama show-model: model 'x' not found (status 404)",
		Kind:   "upstream",
		Status: 404,
	}, body)

	assert.Equal(t, "canceled", ErrorBody(context.Canceled).Kind)
	assert.Equal(t, "unknown", ErrorBody(errors.New("x")).Kind)
}

// =============================================================================
// RETRY POLICY
// =============================================================================

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4), "capped")
	assert.Equal(t, 5*time.Second, p.Delay(200), "no overflow")
}

func TestRetryPolicy_DelayDefaultsMultiplier(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 3*time.Second)
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	assert.Equal(t, 4, DefaultRetryPolicy().attempts())
	assert.Equal(t, 1, RetryPolicy{MaxAttempts: -1}.attempts())
	assert.Equal(t, 1, RetryPolicy{}.attempts())
}
