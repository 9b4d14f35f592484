package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	unimart "github.com/unimart/sdk/golang"
	"github.com/unimart/sdk/golang/internal/devhub"
	"github.com/unimart/sdk/golang/internal/logger"
)

var (
	serveAddr string

	tokenRole string
	tokenName string
	tokenTTL  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "unimart-devhub",
	Short: "Local Unimart realtime hub",
	Long:  "Runs both realtime channels and the identity endpoint in memory, for\ndeveloping against the Unimart SDK and CLI.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := devhub.Load()
		if serveAddr != "" {
			cfg.Addr = serveAddr
		}
		log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		logger.SetDefault(log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var rdb *redis.Client
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid UNIMART_REDIS_URL: %w", err)
			}
			rdb = redis.NewClient(opts)
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			log.Info("fan-out through redis", "addr", opts.Addr)
		}

		return devhub.NewServer(cfg, rdb, log).Run(ctx)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a development token",
	Long:  "Print an HS256 token signed with UNIMART_JWT_SECRET, accepted by this hub.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := devhub.Load()
		ttl := cfg.TokenTTL
		if tokenTTL > 0 {
			ttl = tokenTTL
		}
		tok, err := unimart.SignToken(cfg.JWTSecret, args[0], unimart.Role(tokenRole), tokenName, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides UNIMART_DEVHUB_ADDR)")

	tokenCmd.Flags().StringVar(&tokenRole, "role", string(unimart.RoleStudent), "student or merchant")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default UNIMART_TOKEN_TTL_MIN)")

	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
