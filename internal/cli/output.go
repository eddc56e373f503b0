// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-ollama/internal/ollama"
)

// JSONResponse is the envelope printed by --json.
type JSONResponse struct {
	Success   bool                 `json:"success"`
	Data      any                  `json:"data"`
	Error     *ollama.ErrorPayload `json:"error"`
	Timestamp string               `json:"timestamp"`
	Command   string               `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// emit prints data as a JSON envelope in --json mode and calls human
// otherwise.
func (a *App) emit(cmd *cobra.Command, data any, human func()) error {
	if !a.opts.json {
		human()
		return nil
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(NewJSONResponse(cmd.CommandPath(), data))
}

// printError writes the structured error body to errOut.
func (a *App) printError(err error) {
	body := ollama.ErrorBody(err)
	if ExitCode(err) == ExitUsageError && body.Kind == "unknown" {
		body.Kind = "usage"
		body.Status = 400
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		fmt.Fprintf(a.errOut, "error: %v\n", err)
		return
	}
	fmt.Fprintln(a.errOut, string(data))
}

func isCobraUsage(err error) bool {
	return strings.HasPrefix(err.Error(), "unknown command") ||
		strings.HasPrefix(err.Error(), "unknown flag") ||
		strings.HasPrefix(err.Error(), "unknown shorthand flag")
}

// exactArgs is cobra.ExactArgs with usage errors the exit code recognizes.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s accepts %d arg(s), received %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

func minArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return usageError{fmt.Errorf("%s requires at least %d arg(s), received %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

func (a *App) table() *tabwriter.Writer {
	return tabwriter.NewWriter(a.out, 0, 0, 3, ' ', 0)
}

// formatSize renders a byte count the way `ollama list` does.
func formatSize(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
