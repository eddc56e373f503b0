// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-ollama/internal/config"
	"github.com/jeranaias/rigrun-ollama/internal/ollama"
)

func (a *App) versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the client and server versions",
		Args:  exactArgs(0),
	}
	cmd.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, _ []string) error {
		server, err := c.Version(ctx)
		if err != nil {
			return err
		}
		data := map[string]string{
			"client":     Version,
			"git_commit": GitCommit,
			"server":     server,
		}
		return a.emit(cmd, data, func() {
			fmt.Fprintf(a.out, "client version %s (commit %s)\n", Version, GitCommit)
			fmt.Fprintf(a.out, "server version %s\n", server)
		})
	})
	return cmd
}

// =============================================================================
// BLOB
// =============================================================================

func (a *App) blobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Upload or check model blobs",
	}

	upload := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a file as a blob named by its sha256 digest",
		Args:  exactArgs(1),
	}
	upload.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return usageError{err}
		}
		digest := Digest(data)
		if err := c.UploadBlob(ctx, digest, data); err != nil {
			return err
		}
		return a.emit(upload, map[string]string{"digest": digest}, func() {
			fmt.Fprintln(a.out, digest)
		})
	})

	exists := &cobra.Command{
		Use:   "exists DIGEST",
		Short: "Report whether the server holds a blob",
		Args:  exactArgs(1),
	}
	exists.RunE = a.withClient(func(ctx context.Context, c *ollama.Client, args []string) error {
		ok, err := c.BlobExists(ctx, args[0])
		if err != nil {
			return err
		}
		return a.emit(exists, map[string]bool{"exists": ok}, func() {
			fmt.Fprintln(a.out, ok)
		})
	})

	cmd.AddCommand(upload, exists)
	return cmd
}

// Digest returns the blob name Ollama expects for data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// =============================================================================
// CONFIG
// =============================================================================

func (a *App) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return a.emit(cmd, cfg, func() { fmt.Fprintln(a.out, cfg.String()) })
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return configError{err}
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return usageError{fmt.Errorf("%s already exists (use --force to overwrite)", path)}
			}
			if err := config.SaveTOML(config.Default(), path); err != nil {
				return configError{err}
			}
			return a.emit(cmd, map[string]string{"path": path}, func() {
				fmt.Fprintf(a.out, "wrote %s\n", path)
			})
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(show, initCmd)
	return cmd
}
