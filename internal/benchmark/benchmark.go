// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/ollama"
)

// =============================================================================
// CASES
// =============================================================================

// Case is one prompt to benchmark.
type Case struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}

// DefaultCases returns a short prompt for latency and a longer one for speed.
func DefaultCases() []Case {
	return []Case{
		{Name: "latency", Prompt: "Say hello"},
		{Name: "speed", Prompt: "Write a haiku about programming."},
	}
}

// =============================================================================
// RUNNER
// =============================================================================

// Options controls how often and how wide each case runs.
type Options struct {
	// Rounds is the number of times each case runs (default: 1)
	Rounds int
	// Concurrency bounds the samples in flight at once (default: 1)
	Concurrency int
}

// Runner executes benchmark cases against a client.
type Runner struct {
	client *ollama.Client
	opts   Options
}

// NewRunner creates a runner. Non-positive options fall back to 1.
func NewRunner(client *ollama.Client, opts Options) *Runner {
	if opts.Rounds <= 0 {
		opts.Rounds = 1
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Runner{client: client, opts: opts}
}

// Run executes every case Rounds times against model. Failed samples are
// recorded in the result; an error is returned only when ctx ends or every
// sample failed.
func (r *Runner) Run(ctx context.Context, model string, cases []Case) (*Result, error) {
	if len(cases) == 0 {
		return nil, errors.New("benchmark: no cases")
	}

	result := &Result{Model: model, StartTime: time.Now()}

	p := pool.NewWithResults[Sample]().WithMaxGoroutines(r.opts.Concurrency)
	seq := 0
	for round := 1; round <= r.opts.Rounds; round++ {
		for _, c := range cases {
			seq := seq
			p.Go(func() Sample {
				s := r.sample(ctx, model, c)
				s.seq, s.Round = seq, round
				return s
			})
			seq++
		}
	}
	result.Samples = p.Wait()
	sort.Slice(result.Samples, func(i, j int) bool { return result.Samples[i].seq < result.Samples[j].seq })

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.computeAggregates()

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if result.Passed == 0 {
		return result, fmt.Errorf("benchmark: all %d samples failed: %s", result.Failed, result.Samples[0].Error)
	}
	return result, nil
}

// sample runs one streaming generation and measures it.
func (r *Runner) sample(ctx context.Context, model string, c Case) Sample {
	s := Sample{Case: c.Name, Status: StatusFailed}
	if strings.TrimSpace(c.Prompt) == "" {
		s.Error = "empty prompt"
		return s
	}

	start := time.Now()
	stream, err := r.client.GenerateStream(ctx, api.GenerateRequest{Model: model, Prompt: c.Prompt})
	if err != nil {
		s.Error = err.Error()
		return s
	}
	defer stream.Close()

	var evalCount int
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.Error = err.Error()
			s.Duration = time.Since(start)
			return s
		}
		if chunk.Response != "" {
			if s.Chunks == 0 {
				s.TTFT = time.Since(start)
			}
			s.Chunks++
		}
		if chunk.Done {
			evalCount = chunk.EvalCount
		}
	}

	s.Duration = time.Since(start)
	s.Tokens = evalCount
	if s.Tokens == 0 {
		s.Tokens = s.Chunks
	}
	if s.Tokens > 0 && s.Duration > 0 {
		s.TokensPerSec = float64(s.Tokens) / s.Duration.Seconds()
	}
	s.Status = StatusPassed
	return s
}
