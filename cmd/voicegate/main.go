package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/voicegate/internal/config"
	"github.com/rcourtman/voicegate/internal/logging"
	"github.com/rcourtman/voicegate/pkg/entitlement"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "voicegate",
		Short:         "voicegate - entitlement and usage gating for voice sessions",
		Long:          `voicegate resolves subscription tiers, enforces daily voice-session quotas and decides when to show a paywall.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "voicegate %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func newInspectCmd() *cobra.Command {
	var userID, at string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the resolved status, quota and paywall decision for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openCLIRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			e, err := rt.dir.For(userID)
			if err != nil {
				return fmt.Errorf("user %q: %w", userID, err)
			}
			now := e.Now()
			if strings.TrimSpace(at) != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				UserID   string                        `json:"user_id"`
				Snapshot entitlement.Snapshot          `json:"snapshot"`
				Cached   entitlement.CachedEntitlement `json:"cached"`
				Trial    entitlement.TrialRecord       `json:"trial"`
			}{
				UserID:   e.UserID(),
				Snapshot: e.Snapshot(cmd.Context(), now),
				Cached:   e.CachedEntitlement(),
				Trial:    e.TrialRecord(),
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to inspect")
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC 3339 time instead of now")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newResetCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe a user's trial record and cached entitlement",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openCLIRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			e, err := rt.dir.For(userID)
			if err != nil {
				return fmt.Errorf("user %q: %w", userID, err)
			}
			if err := e.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset local entitlement state for %s\n", e.UserID())
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to reset")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// openCLIRuntime loads config for the one-shot commands. Logs go to stderr at
// warn so stdout stays machine readable.
func openCLIRuntime(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Format: "console", Level: "warn", Component: "voicegate"})
	return newApp(ctx, cfg, appOptions{})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
