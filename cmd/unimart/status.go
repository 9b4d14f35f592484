package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	unimart "github.com/unimart/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration, check whether the token has expired, and check the API and both realtime channels.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, unimart.DefaultBaseURL))
		fmt.Printf("  State:     %s\n", valueOrDefault(cfg.Default.State, "file"))
		if cfg.Default.State == "redis" {
			fmt.Printf("  Redis URL: %s\n", valueOrDefault(cfg.Default.RedisURL, "(not set)"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:     (not set)")
			return nil
		}
		fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		fmt.Printf("  Expiry:    %s\n", tokenStatus(cfg.Auth.Token, time.Now()))
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User:      %s (%s)\n", valueOrDefault(cfg.Auth.Name, cfg.Auth.UserID), valueOrDefault(cfg.Auth.Role, "student"))
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  API:       error: %v\n", err)
		} else {
			fmt.Printf("  API:       ok, signed in as %s (%s)\n", valueOrDefault(me.Name, me.UserID), me.Role)
		}

		for _, ch := range []unimart.Channel{unimart.ChannelRequests, unimart.ChannelMessaging} {
			conn := client.Connect(ch, &unimart.RealtimeConfig{})
			if err := conn.Connect(ctx); err != nil {
				fmt.Printf("  %-10s error: %v\n", string(ch)+":", err)
				continue
			}
			conn.Disconnect()
			fmt.Printf("  %-10s ok\n", string(ch)+":")
		}
		return nil
	},
}

// tokenStatus describes the token's expiry claim without verifying it.
func tokenStatus(token string, now time.Time) string {
	claims := &unimart.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "present (not a readable JWT)"
	}
	if claims.ExpiresAt == nil {
		return "present (no expiry set)"
	}
	expires := claims.ExpiresAt.Time
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
