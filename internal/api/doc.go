// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api defines the wire contract shared by every backend.
//
// It holds the request and response shapes of the Ollama HTTP API, the fixed
// endpoint table (endpoint key → method, path and rate-limit class) and the
// Descriptor that the client facade hands to the request executor.
//
// # Key Types
//
//   - Endpoint: logical operation key, also used as the rate-limit bucket key
//   - Descriptor: one fully built operation (endpoint, payload, stream flag, timeout)
//   - GenerateResponse / ChatResponse / ProgressResponse: streamed chunk shapes
//   - ModelInfo / ModelDetails: model metadata returned by list and show
//
// Both the live HTTP transport and the mock backend speak exactly these
// shapes, which is what lets callers swap one for the other.
package api
