package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (default http://localhost:8080)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.unimart/config.toml",
	Long:  "Initialize the Unimart CLI by storing your session token and resolving who it belongs to.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if cfg.Default.State == "" {
			cfg.Default.State = "file"
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := newClient(cfg).Identity(ctx)
		if err != nil {
			fmt.Printf("Warning: could not resolve the token's user: %v\n", err)
		} else {
			cfg.Auth.UserID = id.UserID
			cfg.Auth.Role = string(id.Role)
			cfg.Auth.Name = id.Name
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID != "" {
			fmt.Printf("Signed in as %s (%s)\n", valueOrDefault(cfg.Auth.Name, cfg.Auth.UserID), cfg.Auth.Role)
		}
		return nil
	},
}
