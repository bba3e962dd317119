package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	pbx "github.com/agentplexus/omnivoice-pbx"
	"github.com/agentplexus/omnivoice-pbx/internal/config"
)

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept call audio and run conversations",
		Long: `Start the bridge.

The server listens for framed audio on the AudioSocket address and for
WebSocket audio on the HTTP address, runs one conversation per call, and
exposes /metrics and /healthz. It shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func buildDialCmd(configPath *string) *cobra.Command {
	var opts dialOptions

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place outbound calls",
		Example: `  omnivoice-pbx dial --persona dental --to +60123456789
  omnivoice-pbx dial --persona dental --to +60123456789 --to +60198765432
  omnivoice-pbx dial --file numbers.csv --concurrency 8`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDial(cmd.Context(), *configPath, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArrayVar(&opts.to, "to", nil, "Destination number (repeatable)")
	cmd.Flags().StringVar(&opts.file, "file", "", "CSV of to[,persona_id[,account_id[,campaign_id]]] rows")
	cmd.Flags().StringVar(&opts.persona, "persona", "", "Persona id for --to destinations and rows without one")
	cmd.Flags().StringVar(&opts.account, "account", "", "Account id recorded with each call")
	cmd.Flags().StringVar(&opts.campaign, "campaign", "", "Campaign id recorded with each call")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Calls placed at once (default from config)")
	return cmd
}

func buildMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply call record schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)
			st, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s store is up to date\n", cfg.Dialect())
			return err
		},
	}
}

func buildPingCmd(configPath *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that the switch accepts commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			sig, err := newSignaling(cfg, nil, newLogger(cfg.Log))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			start := time.Now()
			if err := sig.Ping(ctx); err != nil {
				return fmt.Errorf("%s: %w", sig.Name(), err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s ok (%s)\n", sig.Name(), time.Since(start).Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit: %s, built: %s)\n",
				pbx.Name, pbx.Version, commit, date)
			return err
		},
	}
}
