// chatrelay - per-entity conversational relay server
package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ashureev/chatrelay/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options holds flag values shared by every command.
type options struct {
	configPath string
	envFile    string
	dbPath     string
	logLevel   string

	noVitality       bool
	noPolling        bool
	noStartupMessage bool
	pollingInterval  int
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Relay monitored chats to an AI backend with per-entity prompts and session memory",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), o)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "path to the app document (overrides APP_CONFIG)")
	pf.StringVar(&o.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	pf.StringVar(&o.dbPath, "db-path", "", "SQLite database path (overrides DB_PATH)")
	pf.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	addRunFlags(root.Flags(), o)

	root.AddCommand(
		newRunCmd(o),
		newValidateCmd(o),
		newStatsCmd(o),
		newResetDBCmd(o),
		newSendTestCmd(o),
	)
	return root
}

func addRunFlags(fs *pflag.FlagSet, o *options) {
	fs.BoolVar(&o.noVitality, "no-vitality", false, "disable daily vitality messages")
	fs.BoolVar(&o.noPolling, "no-polling", false, "disable the message agent (ingest only)")
	fs.BoolVar(&o.noStartupMessage, "no-startup-message", false, "skip the startup message to the owner chat")
	fs.IntVar(&o.pollingInterval, "polling-interval", 0, "override polling.interval_seconds")
}

// setup loads the environment, applies flag overrides and installs the
// default logger.
func (o *options) setup(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	if err := godotenv.Load(o.envFile); err != nil {
		slog.Debug("No .env file found, using environment variables", "path", o.envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if o.configPath != "" {
		cfg.AppConfigPath = o.configPath
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
