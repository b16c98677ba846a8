package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quizduel-service/internal/config"
	redisstore "quizduel-service/internal/infra/redis"
)

// NewCreditCmd adjusts a user's coin balance in the shared wallet.
func NewCreditCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "credit <user-id> <amount>",
		Short: "Add (or with a negative amount, remove) coins from a wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis addr not configured")
			}
			client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer client.Close()

			wallet := redisstore.NewWallet(client, config.TTLDuration(cfg.Redis.TTL, 30*24*time.Hour))
			if err := wallet.Credit(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			balance, err := wallet.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("%s: %d\n", args[0], balance)
			return nil
		},
	}
}
