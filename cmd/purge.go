package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-service/internal/orchestrator"
	"github.com/JakeFAU/scrape-service/internal/server"
)

func newPurgeCmd() *cobra.Command {
	var userID string
	var days int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Deletes a user's job history",
		Long: `Deletes the user's jobs older than --days days, or every job when
--days is negative.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			var olderThan *time.Duration
			if days >= 0 {
				age, err := orchestrator.HistoryAge(days)
				if err != nil {
					return fmt.Errorf("--days: %w", err)
				}
				olderThan = &age
			}
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}

			cfg := rt.cfg
			cfg.Headless.Enabled = false
			cfg.Jobs.RecoverOnStart = false
			app, err := server.Build(cmd.Context(), cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer app.Close()

			n, err := app.Orchestrator().ClearHistory(cmd.Context(), userID, olderThan)
			if err != nil {
				return fmt.Errorf("purge history: %w", err)
			}
			rt.logger.Info("history purged", zap.String("user_id", userID), zap.Int("deleted", n))
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user whose history is purged")
	cmd.Flags().IntVar(&days, "days", -1, "only delete jobs older than this many days")
	return cmd
}
