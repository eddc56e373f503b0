// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-ollama/internal/benchmark"
	"github.com/jeranaias/rigrun-ollama/internal/ollama"
)

func (a *App) benchCmd() *cobra.Command {
	var opts benchmark.Options
	cmd := &cobra.Command{
		Use:   "bench [PROMPT...]",
		Short: "Measure streaming latency and speed of the default model",
		Long: "Streams each prompt --rounds times and reports time to first token,\n" +
			"latency and tokens per second. Without a prompt a built-in set is used.",
	}
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 1, "runs per prompt")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 1, "samples in flight at once")

	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		model := c.Config().DefaultModel
		if model == "" {
			return usageError{errors.New("bench needs a model (use --model or OLLAMA_MODEL)")}
		}
		if opts.Rounds < 1 || opts.Concurrency < 1 {
			return usageError{errors.New("--rounds and --concurrency must be at least 1")}
		}

		cases := benchmark.DefaultCases()
		if len(args) > 0 {
			cases = []benchmark.Case{{Name: "prompt", Prompt: strings.Join(args, " ")}}
		}

		result, err := benchmark.NewRunner(c, opts).Run(ctx, model, cases)
		if err != nil {
			return err
		}
		return a.emit(cmd, result, func() {
			w := a.table()
			fmt.Fprintln(w, "CASE\tROUND\tSTATUS\tTTFT\tLATENCY\tSPEED")
			for _, s := range result.Samples {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					s.Case, s.Round, s.Status,
					benchmark.FormatDuration(s.TTFT),
					benchmark.FormatDuration(s.Duration),
					benchmark.FormatTokensPerSec(s.TokensPerSec))
			}
			w.Flush()
			fmt.Fprintln(a.out)
			fmt.Fprintln(a.out, result.Summary())
		})
	})
	return cmd
}
