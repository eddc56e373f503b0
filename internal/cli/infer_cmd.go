// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jeranaias/rigrun-ollama/internal/api"
	"github.com/jeranaias/rigrun-ollama/internal/ollama"
)

// inferOptions are the flags shared by generate and chat.
type inferOptions struct {
	system      string
	format      string
	noStream    bool
	keepAlive   string
	temperature float64
	topP        float64
	topK        int
	seed        int
	numCtx      int
	numPredict  int
	stop        []string
	extra       []string
}

func (o *inferOptions) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.system, "system", "s", "", "system prompt")
	fs.StringVar(&o.format, "format", "", `response format ("json")`)
	fs.BoolVar(&o.noStream, "no-stream", false, "wait for the complete response")
	fs.StringVar(&o.keepAlive, "keep-alive", "", "how long the model stays loaded (e.g. 5m)")
	fs.Float64Var(&o.temperature, "temperature", 0, "sampling temperature")
	fs.Float64Var(&o.topP, "top-p", 0, "nucleus sampling threshold")
	fs.IntVar(&o.topK, "top-k", 0, "top-k sampling")
	fs.IntVar(&o.seed, "seed", 0, "random seed")
	fs.IntVar(&o.numCtx, "num-ctx", 0, "context window size")
	fs.IntVar(&o.numPredict, "num-predict", 0, "maximum tokens to generate")
	fs.StringSliceVar(&o.stop, "stop", nil, "stop sequences")
	fs.StringArrayVarP(&o.extra, "option", "o", nil, "extra model option as key=value (value parsed as JSON when possible)")
}

// options builds api.Options from the flags that were set.
func (o *inferOptions) options(fs *pflag.FlagSet) (*api.Options, error) {
	opts := &api.Options{}
	set := false
	if fs.Changed("temperature") {
		opts.Temperature, set = &o.temperature, true
	}
	if fs.Changed("top-p") {
		opts.TopP, set = &o.topP, true
	}
	if fs.Changed("top-k") {
		opts.TopK, set = &o.topK, true
	}
	if fs.Changed("seed") {
		opts.Seed, set = &o.seed, true
	}
	if fs.Changed("num-ctx") {
		opts.NumCtx, set = &o.numCtx, true
	}
	if fs.Changed("num-predict") {
		opts.NumPredict, set = &o.numPredict, true
	}
	if len(o.stop) > 0 {
		opts.Stop, set = o.stop, true
	}
	for _, kv := range o.extra {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, usageError{fmt.Errorf("option %q is not key=value", kv)}
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		if opts.Extra == nil {
			opts.Extra = make(map[string]any)
		}
		opts.Extra[key] = v
		set = true
	}
	if !set {
		return nil, nil
	}
	return opts, nil
}

func (o *inferOptions) formatJSON() (json.RawMessage, error) {
	switch o.format {
	case "":
		return nil, nil
	case "json":
		return json.RawMessage(`"json"`), nil
	}
	if json.Valid([]byte(o.format)) {
		return json.RawMessage(o.format), nil
	}
	return nil, usageError{fmt.Errorf("format must be \"json\" or a JSON schema")}
}

// =============================================================================
// GENERATE
// =============================================================================

func (a *App) generateCmd() *cobra.Command {
	var opts inferOptions
	cmd := &cobra.Command{
		Use:   "generate PROMPT...",
		Short: "Generate a completion for a prompt",
		Args:  minArgs(1),
	}
	opts.register(cmd.Flags())

	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		options, err := opts.options(cmd.Flags())
		if err != nil {
			return err
		}
		format, err := opts.formatJSON()
		if err != nil {
			return err
		}
		req := api.GenerateRequest{
			Prompt:    strings.Join(args, " "),
			System:    opts.system,
			Format:    format,
			KeepAlive: opts.keepAlive,
			Options:   options,
		}

		if opts.noStream {
			resp, err := c.Generate(ctx, req)
			if err != nil {
				return err
			}
			return a.emit(cmd, resp, func() { fmt.Fprintln(a.out, resp.Response) })
		}

		s, err := c.GenerateStream(ctx, req)
		if err != nil {
			return err
		}
		return printStream(a, s, func(r api.GenerateResponse) string { return r.Response })
	})
	return cmd
}

// =============================================================================
// CHAT
// =============================================================================

func (a *App) chatCmd() *cobra.Command {
	var opts inferOptions
	cmd := &cobra.Command{
		Use:   "chat MESSAGE...",
		Short: "Send one user message and print the assistant reply",
		Args:  minArgs(1),
	}
	opts.register(cmd.Flags())

	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		options, err := opts.options(cmd.Flags())
		if err != nil {
			return err
		}
		format, err := opts.formatJSON()
		if err != nil {
			return err
		}
		var messages []api.Message
		if opts.system != "" {
			messages = append(messages, api.NewSystemMessage(opts.system))
		}
		messages = append(messages, api.NewUserMessage(strings.Join(args, " ")))
		req := api.ChatRequest{
			Messages:  messages,
			Format:    format,
			KeepAlive: opts.keepAlive,
			Options:   options,
		}

		if opts.noStream {
			resp, err := c.Chat(ctx, req)
			if err != nil {
				return err
			}
			return a.emit(cmd, resp, func() { fmt.Fprintln(a.out, resp.Message.Content) })
		}

		s, err := c.ChatStream(ctx, req)
		if err != nil {
			return err
		}
		return printStream(a, s, func(r api.ChatResponse) string { return r.Message.Content })
	})
	return cmd
}

// =============================================================================
// EMBED
// =============================================================================

func (a *App) embedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed TEXT...",
		Short: "Create an embedding vector for text",
		Args:  minArgs(1),
	}
	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		resp, err := c.Embeddings(ctx, api.EmbeddingRequest{Prompt: strings.Join(args, " ")})
		if err != nil {
			return err
		}
		return a.emit(cmd, resp, func() {
			parts := make([]string, len(resp.Embedding))
			for i, v := range resp.Embedding {
				parts[i] = fmt.Sprintf("%g", v)
			}
			fmt.Fprintf(a.out, "[%s]\n", strings.Join(parts, ", "))
		})
	})
	return cmd
}

// =============================================================================
// STREAM OUTPUT
// =============================================================================

// printStream writes each chunk's text as it arrives, or each chunk as one
// JSON line in --json mode.
func printStream[T any](a *App, s *ollama.Stream[T], text func(T) string) error {
	enc := json.NewEncoder(a.out)
	wrote := false
	for chunk, err := range s.All() {
		if err != nil {
			if wrote && !a.opts.json {
				fmt.Fprintln(a.out)
			}
			return err
		}
		if a.opts.json {
			if err := enc.Encode(chunk); err != nil {
				return err
			}
			continue
		}
		if t := text(chunk); t != "" {
			fmt.Fprint(a.out, t)
			wrote = true
		}
	}
	if wrote && !a.opts.json {
		fmt.Fprintln(a.out)
	}
	return nil
}
