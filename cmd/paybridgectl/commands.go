package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/paybridge/internal/app"
	"github.com/noah-isme/paybridge/internal/auth"
	"github.com/noah-isme/paybridge/internal/config"
	"github.com/noah-isme/paybridge/internal/db"
	"github.com/noah-isme/paybridge/internal/obs"
	"github.com/noah-isme/paybridge/internal/payment"
	"github.com/noah-isme/paybridge/internal/transfer"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return db.MigrateUp(cfg.DatabaseURL, obs.NewLogger(cfg.LogFormat, cfg.LogLevel))
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert the most recent migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return db.MigrateDown(cfg.DatabaseURL, steps, obs.NewLogger(cfg.LogFormat, cfg.LogLevel))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	cmd.AddCommand(up, down)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens for ERP callers",
	}

	var (
		roles []string
		ttl   time.Duration
	)
	mint := &cobra.Command{
		Use:   "mint [subject]",
		Short: "Mint a signed access token",
		Example: `  paybridgectl token mint erp-frontend
  paybridgectl token mint finance-bot --role payments:transfer --ttl 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			svc, err := auth.NewService(auth.Config{
				Secret:   cfg.AuthSecret,
				Issuer:   cfg.AuthIssuer,
				Audience: cfg.AuthAudience,
			})
			if err != nil {
				return err
			}
			token, expires, err := svc.Mint(strings.TrimSpace(args[0]), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}
	mint.Flags().StringSliceVar(&roles, "role", nil, "role to grant, repeatable")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from AUTH config)")

	cmd.AddCommand(mint)
	return cmd
}

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Inspect transfers and payouts at the provider",
	}

	var account string
	status := &cobra.Command{
		Use:   "status [reference]",
		Short: "Show the provider status of a transfer or payout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
			svc := transfer.Service{
				Provider:    app.NewProvider(cfg, logger),
				Credentials: payment.Credentials{SecretKey: cfg.Stripe.SecretKey},
				Account:     cfg.Stripe.ConnectedAccount,
				Logger:      logger,
			}
			st, err := svc.CheckStatus(cmd.Context(), account, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	status.Flags().StringVar(&account, "account", "", "connected account holding the payout")

	cmd.AddCommand(status)
	return cmd
}
