// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mock simulates an Ollama server in memory.
//
// Backend implements transport.Transport, so a client in mock mode runs the
// exact same executor, limiter and stream decoder as a live one. Responses
// are deterministic: fixed timestamps, a fixed digest, and text that echoes
// the prompt word by word. Streamed generate and chat responses pause before
// each word and pull or push responses pause before each phase; the pauses
// go through a wait.Waiter so they block or yield like the client itself.
//
// NewServer wraps a Backend in a gin engine for use as a standalone fake
// server (see cmd/mockserver).
package mock
