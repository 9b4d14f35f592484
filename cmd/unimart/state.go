package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const defaultPage = "requests"

func init() {
	rootCmd.AddCommand(pageCmd, logoutCmd)
}

var pageCmd = &cobra.Command{
	Use:   "page [name]",
	Short: "Show or set the remembered dashboard page",
	Long:  "Without an argument, print the dashboard page kept in the state store. With one, remember it.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, closeSession, err := newSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		if len(args) == 0 {
			fmt.Println(sess.DashboardPage(ctx, defaultPage))
			return nil
		}
		if err := sess.SetDashboardPage(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to save page: %w", err)
		}
		fmt.Printf("Dashboard page set to %s\n", args[0])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token and UI state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sess, closeSession, err := newSession(ctx)
		if err != nil {
			return err
		}
		err = sess.Logout(ctx)
		closeSession()
		if err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
