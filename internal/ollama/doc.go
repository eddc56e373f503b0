// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides a resilient client for the Ollama API.
//
// Every operation runs through the same pipeline: a per-endpoint token
// bucket admits it, the transport performs an attempt under a per-attempt
// timeout, the outcome is classified, and transient failures (connection
// errors, timeouts, 5xx and 429) are retried with exponential backoff.
// Streaming responses are decoded lazily from NDJSON.
//
// # Key Types
//
//   - Client: blocking facade; each call occupies its goroutine
//   - AsyncClient: non-blocking facade returning Futures and channels
//   - Stream: lazily decoded streaming response
//   - Error: classified failure (connection, timeout, upstream, format, validation)
//   - RetryPolicy: retry count and backoff schedule
//
// # Usage
//
// Create a client and generate a completion:
//
//	client, err := ollama.NewClient(&ollama.ClientConfig{BaseURL: "http://127.0.0.1:11434"})
//	resp, err := client.Generate(ctx, api.GenerateRequest{
//	    Model:  "qwen2.5:7b",
//	    Prompt: "Hello",
//	})
//
// For streaming responses:
//
//	stream, err := client.GenerateStream(ctx, request)
//	defer stream.Close()
//	for chunk, err := range stream.All() {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(chunk.Response)
//	}
//
// # Mock Mode
//
// Setting ClientConfig.Mock swaps the HTTP transport for the in-memory
// backend in package mock. Nothing else changes: the same limiter, retry
// loop and decoder run against byte-identical responses.
package ollama
