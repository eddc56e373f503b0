// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/ollama"
)

func (a *App) listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List local models",
		Args:    exactArgs(0),
	}
	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, _ []string) error {
		models, err := c.ListModels(ctx)
		if err != nil {
			return err
		}
		return a.emit(cmd, models, func() {
			w := a.table()
			fmt.Fprintln(w, "NAME\tID\tSIZE\tQUANT\tMODIFIED")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					m.Name, shortDigest(m.Digest), formatSize(m.Size),
					m.Details.QuantizationLevel, m.ModifiedAt.Format(time.RFC3339))
			}
			w.Flush()
		})
	})
	return cmd
}

func (a *App) psCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List models loaded in memory",
		Args:  exactArgs(0),
	}
	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, _ []string) error {
		models, err := c.ListRunningModels(ctx)
		if err != nil {
			return err
		}
		return a.emit(cmd, models, func() {
			w := a.table()
			fmt.Fprintln(w, "NAME\tID\tSIZE\tVRAM\tUNTIL")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					m.Name, shortDigest(m.Digest), formatSize(m.Size),
					formatSize(m.SizeVRAM), m.ExpiresAt.Format(time.RFC3339))
			}
			w.Flush()
		})
	})
	return cmd
}

func (a *App) showCmd() *cobra.Command {
	var modelfile bool
	cmd := &cobra.Command{
		Use:   "show MODEL",
		Short: "Show information about a model",
		Args:  exactArgs(1),
	}
	cmd.Flags().BoolVar(&modelfile, "modelfile", false, "print only the Modelfile")

	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		info, err := c.ShowModel(ctx, args[0])
		if err != nil {
			return err
		}
		return a.emit(cmd, info, func() {
			if modelfile {
				fmt.Fprint(a.out, info.Modelfile)
				return
			}
			w := a.table()
			fmt.Fprintf(w, "model\t%s\n", args[0])
			fmt.Fprintf(w, "family\t%s\n", info.Details.Family)
			fmt.Fprintf(w, "parameters\t%s\n", info.Details.ParameterSize)
			fmt.Fprintf(w, "quantization\t%s\n", info.Details.QuantizationLevel)
			fmt.Fprintf(w, "format\t%s\n", info.Details.Format)
			if info.Parameters != "" {
				fmt.Fprintf(w, "options\t%s\n", info.Parameters)
			}
			w.Flush()
		})
	})
	return cmd
}

func (a *App) createCmd() *cobra.Command {
	var (
		from     string
		system   string
		template string
		quantize string
	)
	cmd := &cobra.Command{
		Use:   "create MODEL",
		Short: "Create a model from an existing one",
		Args:  exactArgs(1),
	}
	cmd.Flags().StringVar(&from, "from", "", "base model")
	cmd.Flags().StringVarP(&system, "system", "s", "", "system prompt baked into the model")
	cmd.Flags().StringVar(&template, "template", "", "prompt template")
	cmd.Flags().StringVarP(&quantize, "quantize", "q", "", "quantization level (e.g. q4_K_M)")

	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		s, err := c.CreateModelStream(ctx, api.CreateModelRequest{
			Model:    args[0],
			From:     from,
			System:   system,
			Template: template,
			Quantize: quantize,
		})
		if err != nil {
			return err
		}
		return a.printProgress(s)
	})
	return cmd
}

func (a *App) deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete MODEL",
		Aliases: []string{"rm"},
		Short:   "Delete a model",
		Args:    exactArgs(1),
	}
	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		if err := c.DeleteModel(ctx, args[0]); err != nil {
			return err
		}
		return a.emit(cmd, api.StatusResponse{Status: "success"}, func() {
			fmt.Fprintf(a.out, "deleted '%s'\n", args[0])
		})
	})
	return cmd
}

func (a *App) copyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "copy SOURCE DESTINATION",
		Aliases: []string{"cp"},
		Short:   "Copy a model",
		Args:    exactArgs(2),
	}
	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		if err := c.CopyModel(ctx, args[0], args[1]); err != nil {
			return err
		}
		return a.emit(cmd, api.StatusResponse{Status: "success"}, func() {
			fmt.Fprintf(a.out, "copied '%s' to '%s'\n", args[0], args[1])
		})
	})
	return cmd
}

func (a *App) pullCmd() *cobra.Command {
	var insecure bool
	cmd := &cobra.Command{
		Use:   "pull MODEL",
		Short: "Pull a model from a registry",
		Args:  exactArgs(1),
	}
	cmd.Flags().BoolVar(&insecure, "insecure", false, "allow insecure registry connections")

	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		s, err := c.PullModelStream(ctx, api.ModelRequest{Name: args[0], Insecure: insecure})
		if err != nil {
			return err
		}
		return a.printProgress(s)
	})
	return cmd
}

func (a *App) pushCmd() *cobra.Command {
	var insecure bool
	cmd := &cobra.Command{
		Use:   "push MODEL",
		Short: "Push a model to a registry",
		Args:  exactArgs(1),
	}
	cmd.Flags().BoolVar(&insecure, "insecure", false, "allow insecure registry connections")

	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		s, err := c.PushModelStream(ctx, api.ModelRequest{Name: args[0], Insecure: insecure})
		if err != nil {
			return err
		}
		return a.printProgress(s)
	})
	return cmd
}

// printProgress prints one status line per progress chunk.
func (a *App) printProgress(s *ollama.Stream[api.ProgressResponse]) error {
	if a.opts.json {
		return printStream(a, s, func(api.ProgressResponse) string { return "" })
	}
	for p, err := range s.All() {
		if err != nil {
			return err
		}
		if p.Total > 0 {
			fmt.Fprintf(a.out, "%s %s/%s\n", p.Status, formatSize(p.Completed), formatSize(p.Total))
			continue
		}
		fmt.Fprintln(a.out, p.Status)
	}
	return nil
}
