// Command vulnz runs the vulnz vulnerability tracker.
//
// vulnz records which WordPress plugins, themes and npm packages are
// installed on monitored websites, cross-references them with known
// vulnerabilities and emails weekly summaries to their owners.
//
// Usage:
//
//	vulnz [command] [flags]
//
// Commands:
//
//	serve       Start the HTTP server and, on instance 0, the scheduler
//	user:add    Create a user: vulnz user:add <email> <password> [--admin]
//	user:list   List users as a table, or JSON with --json
//	migrate     Apply pending database migrations
//	version     Print version and exit
//
// Global Flags:
//
//	--config string
//	      Path to configuration file (YAML or JSON)
//	--database-driver string
//	      Database driver: sqlite or postgres
//	--database-path string
//	      Path to SQLite database file
//	--database-url string
//	      PostgreSQL connection URL
//	--log-level string
//	      Log level: debug, info, warn, error
//	--log-format string
//	      Log format: text, json
//
// Environment Variables:
//
//	VULNZ_LISTEN           - Listen address
//	VULNZ_BASE_URL         - Public URL
//	VULNZ_INSTANCE         - Process index; only 0 migrates and runs jobs
//	VULNZ_DATABASE_DRIVER  - Database driver (sqlite or postgres)
//	VULNZ_DATABASE_PATH    - SQLite database file path
//	VULNZ_DATABASE_URL     - PostgreSQL connection URL
//	VULNZ_STORAGE_URL      - Report archive bucket URL
//	VULNZ_MAIL_HOST        - SMTP host; unset logs emails instead
//	VULNZ_LOG_LEVEL        - Log level
//	VULNZ_LOG_FORMAT       - Log format
//
// Example:
//
//	# Start with defaults
//	vulnz serve
//
//	# Create an administrator
//	vulnz user:add admin@example.com 'S3cretPassword' --admin
//
//	# List users as JSON
//	vulnz user:list --json
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vulnz/vulnz/internal/config"
	"github.com/vulnz/vulnz/internal/database"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Commit is set at build time.
	Commit = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are the flags shared by every command. Set values override
// the config file and environment.
type globalFlags struct {
	configPath     string
	databaseDriver string
	databasePath   string
	databaseURL    string
	logLevel       string
	logFormat      string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "vulnz",
		Short:         "Track vulnerable WordPress and npm components across websites",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&g.databaseDriver, "database-driver", "", "Database driver: sqlite or postgres")
	pf.StringVar(&g.databasePath, "database-path", "", "Path to SQLite database file")
	pf.StringVar(&g.databaseURL, "database-url", "", "PostgreSQL connection URL")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text, json")

	root.AddCommand(
		newServeCmd(g),
		newUserAddCmd(g),
		newUserListCmd(g),
		newMigrateCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig layers the config file, environment and flags, then
// validates the result.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if g.databaseDriver != "" {
		cfg.Database.Driver = g.databaseDriver
	}
	if g.databasePath != "" {
		cfg.Database.Path = g.databasePath
	}
	if g.databaseURL != "" {
		cfg.Database.URL = g.databaseURL
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func dbOptions(cfg *config.Config) database.Options {
	return database.Options{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		URL:          cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vulnz %s (%s)\n", Version, Commit)
		},
	}
}

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
