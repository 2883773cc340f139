package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue consumer and scheduled jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

func newDispatchCmd() *cobra.Command {
	var (
		limit     int
		scheduled bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one batch of records missing images",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if scheduled {
				res, err := app.Dispatch.DispatchScheduled(cmd.Context())
				if err != nil {
					return fmt.Errorf("scheduled dispatch: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			res, err := app.Dispatch.DispatchBatch(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "batch size (0 uses dispatch.default_limit)")
	cmd.Flags().BoolVar(&scheduled, "scheduled", false, "use dispatch.scheduled_limit")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiration cleanup pass",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := app.Expiration.Sweep(cmd.Context())
			if len(res.Errors) > 0 {
				app.Logger().Warn("sweep finished with errors", zap.Strings("errors", res.Errors))
			}
			if printErr := printJSON(cmd.OutOrStdout(), res); printErr != nil {
				return printErr
			}
			return err
		},
	}
}

func newBackfillTTLCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "backfill-ttl",
		Short: "Set expiresAt on active records that have none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if days <= 0 {
				days = app.Config().Expiration.DefaultTTLDays
			}
			updated, err := app.Expiration.BackfillDefaultTTL(cmd.Context(), days)
			if err != nil {
				return fmt.Errorf("backfill ttl: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"updated": updated, "days": days})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "TTL in days (0 uses expiration.default_ttl_days)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
