// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for rigrun-ollama.
//
// Configuration is resolved from (in order of precedence):
//   - Environment variables (OLLAMA_API_URL, USE_MOCK_OLLAMA, LOG_LEVEL,
//     OLLAMA_TIMEOUT, OLLAMA_MAX_RETRIES, OLLAMA_RETRY_DELAY, ...)
//   - A .env file in the working directory
//   - ~/.rigrun-ollama/config.toml, or the file passed to Load
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := ollama.NewClient(cfg.ClientConfig(nil))
package config
