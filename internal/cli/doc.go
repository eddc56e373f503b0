// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the rigrun-ollama command tree.
//
// Most commands map onto one client operation. Global flags select the
// configuration file (--config), the server (--url), the in-memory mock
// (--mock) and machine-readable output (--json). Failures are written to
// stderr as a JSON error body and mapped to an exit code by kind.
//
// # Commands
//
//   - generate, chat, embed: inference
//   - list, ps, show, create, delete, copy, pull, push: model management
//   - blob upload, blob exists: blob storage
//   - version: server version
//   - bench: streaming latency and throughput
//   - config show, config init: configuration
package cli
