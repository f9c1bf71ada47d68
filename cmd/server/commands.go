package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/transport"
)

func newValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the app document and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := o.setup(os.Stderr)
			if err != nil {
				return err
			}
			snap, err := config.LoadSnapshot(cfg.AppConfigPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid: %s\n", cfg.AppConfigPath)
			fmt.Fprintf(out, "  hash: %s\n", snap.Hash)
			fmt.Fprintf(out, "  owner chat: %s (self active: %t)\n", snap.OwnerJID(), snap.App.Self.Active)
			for _, e := range snap.App.Entities {
				fmt.Fprintf(out, "  %s %q -> %s (active: %t)\n", e.Type, e.Name, e.Identifier(), e.IsActive())
			}
			return nil
		},
	}
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := o.setup(os.Stderr)
			if err != nil {
				return err
			}
			repo, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			stats, err := repo.Stats(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}

func newResetDBCmd(o *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset-db",
		Short: "Delete all messages and sessions, keeping stored credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			cfg, logger, err := o.setup(os.Stderr)
			if err != nil {
				return err
			}
			repo, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			messages, sessions, err := repo.ResetAll(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("Database reset", "messages_deleted", messages, "sessions_deleted", sessions)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d messages and %d sessions\n", messages, sessions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func newSendTestCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send-test MESSAGE",
		Short: "Send a message to the owner chat through the bridge",
		Long: "Send a message to the owner chat through the bridge. The send is recorded in the\n" +
			"store, so a running relay treats the bridge's reflected copy as an echo.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.setup(os.Stderr)
			if err != nil {
				return err
			}
			snap, err := config.LoadSnapshot(cfg.AppConfigPath)
			if err != nil {
				return err
			}
			repo, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			client := transport.NewClient(cfg.BridgeURL, repo, logger)
			if err := client.Send(cmd.Context(), snap.OwnerJID(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent test message to %s\n", snap.OwnerJID())
			return nil
		},
	}
}
