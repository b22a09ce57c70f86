// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ChainDiff/pkg/ux"
	"github.com/AleutianAI/ChainDiff/services/chaindiff"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/cachekey"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/config"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/explain"
	"github.com/AleutianAI/ChainDiff/services/chaindiff/ingest"
)

// closeTimeout bounds the chain write drain when a command exits.
const closeTimeout = 2 * time.Minute

// cliOptions are the persistent flags.
type cliOptions struct {
	configPath string
	logLevel   string
	jsonOutput bool

	// newService builds the service. Replaced in tests.
	newService func(ctx context.Context, cfg config.Config) (*chaindiff.Service, error)
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{newService: defaultService}
	return buildRootCmd(opts)
}

func buildRootCmd(opts *cliOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "chaindiff",
		Short: "Diff Casper contract package versions through an on-chain cache",
		Long: `chaindiff resolves structured diffs between versions of a Casper
contract package. Diffs are read from an on-chain diff store when present,
computed from synced version records otherwise, and written back to the
chain in the background.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "chaindiff.yaml", "path to the config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print machine readable JSON")

	root.AddCommand(
		newServeCmd(opts),
		newResolveCmd(opts),
		newSyncCmd(opts),
		newVersionsCmd(opts),
		newInitCmd(opts),
	)
	return root
}

func (o *cliOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// withService runs fn against a service built from the config and closes
// the service afterwards, draining pending chain writes.
func (o *cliOptions) withService(cmd *cobra.Command, fn func(ctx context.Context, svc *chaindiff.Service) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := o.newService(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, svc)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func defaultService(ctx context.Context, cfg config.Config) (*chaindiff.Service, error) {
	return chaindiff.New(ctx, cfg, chaindiff.Options{})
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withService(cmd, func(ctx context.Context, svc *chaindiff.Service) error {
				return svc.Run(ctx)
			})
		},
	}
}

// =============================================================================
// resolve
// =============================================================================

func newResolveCmd(opts *cliOptions) *cobra.Command {
	var analyze bool
	cmd := &cobra.Command{
		Use:   "resolve <package> <older> <newer>",
		Short: "Resolve the diff between two versions of a package",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			older, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			newer, err := parseVersion(args[2])
			if err != nil {
				return err
			}
			return opts.withService(cmd, func(ctx context.Context, svc *chaindiff.Service) error {
				res, err := svc.Resolver().Resolve(ctx, args[0], older, newer)
				if err != nil {
					return err
				}
				var analysis *explain.Analysis
				if analyze {
					explainer := svc.Explainer()
					if explainer == nil {
						return fmt.Errorf("diff analysis is not configured: set %s", svc.Config().LLM.APIKeyEnv)
					}
					if analysis, err = explainer.Explain(ctx, res.Diff); err != nil {
						return err
					}
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, map[string]any{
						"source":    res.Source,
						"cache_key": res.Key.String(),
						"diff":      res.Diff,
						"analysis":  analysis,
					})
				}
				p := ux.NewPrinter(out)
				renderDiff(p, res.Diff, string(res.Source))
				if analysis != nil {
					p.Box("Analysis", analysis.Summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&analyze, "analyze", false, "explain the diff with the configured LLM")
	return cmd
}

// =============================================================================
// sync
// =============================================================================

func newSyncCmd(opts *cliOptions) *cobra.Command {
	var warm bool
	cmd := &cobra.Command{
		Use:   "sync <package>",
		Short: "Read a package's versions from chain into the record store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := cachekey.ParsePackageRef(args[0])
			if err != nil {
				return err
			}
			return opts.withService(cmd, func(ctx context.Context, svc *chaindiff.Service) error {
				synced, err := svc.Tracker().Sync(ctx, ref)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				result := map[string]any{"sync": synced}
				var warmed *ingest.WarmResult
				if warm {
					if warmed, err = svc.Tracker().Warm(ctx, ref); err != nil {
						return err
					}
					result["warm"] = warmed
				}
				if opts.jsonOutput {
					return writeJSON(out, result)
				}
				p := ux.NewPrinter(out)
				p.Success(fmt.Sprintf("Synced %s: %d versions, %d new", synced.PackageRef, synced.Versions, synced.Inserted))
				if warmed != nil {
					p.Muted(fmt.Sprintf("Warmed %d pairs: %d cached, %d computed, %d failed",
						warmed.Pairs, warmed.Cached, warmed.Computed, warmed.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&warm, "warm", true, "resolve every consecutive version pair after syncing")
	return cmd
}

// =============================================================================
// versions
// =============================================================================

func newVersionsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <package>",
		Short: "List the stored versions of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := cachekey.ParsePackageRef(args[0])
			if err != nil {
				return err
			}
			return opts.withService(cmd, func(ctx context.Context, svc *chaindiff.Service) error {
				versions, err := svc.Store().ListVersions(ctx, ref)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, versions)
				}
				renderVersions(ux.NewPrinter(out), ref, versions)
				return nil
			})
		},
	}
}

// =============================================================================
// init
// =============================================================================

func newInitCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteDefault(opts.configPath); err != nil {
				return err
			}
			ux.NewPrinter(cmd.OutOrStdout()).Success("Config at " + opts.configPath)
			return nil
		},
	}
}

// =============================================================================
// Helpers
// =============================================================================

func parseVersion(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return uint32(v), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
