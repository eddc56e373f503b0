// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package benchmark measures streaming generation through an ollama.Client.
//
// Each case is a prompt sent to the generate endpoint as a stream. The runner
// records time to first token, total duration and generation speed, and runs
// rounds concurrently so the measurement includes rate limiting and retries
// as a real caller would see them.
//
// # Usage
//
//	runner := benchmark.NewRunner(client, benchmark.Options{Rounds: 3, Concurrency: 2})
//	result, err := runner.Run(ctx, "qwen2.5:7b", benchmark.DefaultCases())
//	fmt.Println(result.Summary())
package benchmark
