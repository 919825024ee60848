// Command cropstore serves and ingests observation records.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cropstore/internal/config"
	"cropstore/internal/logging"
)

var version = "dev"

// app carries what every subcommand needs after flag parsing.
type app struct {
	loader *config.Loader
	cfg    config.Config
	logger *slog.Logger
	stderr io.Writer
}

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{loader: config.NewLoader(), stderr: stderr}
	rootCmd := &cobra.Command{
		Use:           "cropstore",
		Short:         "Record ingestion and retrieval service",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("storage", "", "record storage driver: memory, sqlite or postgres")
	flags.String("sqlite-path", "", "sqlite database file")
	flags.String("postgres-dsn", "", "postgres connection string")
	flags.String("blob", "", "blob driver: fs, memory, s3 or minio")
	flags.String("bucket", "", "bucket record files are uploaded to")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(newServeCommand(a), newIngestCommand(a), versionCmd)
	return rootCmd
}

var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"storage":      "storage.driver",
	"sqlite-path":  "storage.sqlite_path",
	"postgres-dsn": "storage.postgres_dsn",
	"blob":         "blob.driver",
	"bucket":       "blob.bucket",
	"addr":         "http.addr",
	"concurrency":  "ingest.concurrency",
	"upload-rate":  "ingest.upload_rate",
}

// load binds the flags defined on cmd, resolves the configuration and
// builds the process logger.
func (a *app) load(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := a.loader.BindFlag(key, f); err != nil {
				return err
			}
		}
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := a.loader.Load(path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log, a.stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
