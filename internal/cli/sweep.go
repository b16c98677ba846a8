package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quizduel-service/internal/config"
)

// NewSweepCmd expires overdue challenges once and exits. Useful from cron when
// the in-process sweeper is disabled.
func NewSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire and settle overdue challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("sweep needs shared state: redis addr not configured")
			}
			logger, err := cfg.NewLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, err := wire(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.duels.ExpireDue(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("sweep finished", zap.Int("expired", n))
			return nil
		},
	}
}
