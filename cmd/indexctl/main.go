// Package main implements the indexctl command-line tool for mirroring
// package-metadata indexes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/indexctl/indexctl/internal/index"
)

const (
	defaultConfigPath = "/etc/indexctl/indexctl.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "indexctl",
	Short: "Mirror package-metadata indexes",
	Long: `indexctl maintains local, queryable mirrors of remote package-metadata indexes.

Find more information at: https://github.com/indexctl/indexctl`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [index-ids...]",
	Short: "Synchronize one or more index mirrors",
	Long: `Synchronizes one or more index mirrors based on the provided configuration.

Usage:
  # Synchronize all indexes in your configuration file
  indexctl sync

  # Synchronize only specific indexes
  indexctl sync hackage

  # Use a custom configuration file
  indexctl sync --config /path/to/custom-location.toml

  # Skip tag signature verification for this run
  indexctl sync --no-verify

  # Suppress progress output
  indexctl sync --quiet

If no index IDs are specified, all indexes in the configuration file will be
synchronized.`,
	Run: runSync,
}

var queryCmd = &cobra.Command{
	Use:   "query <index-id> <package>",
	Short: "List the versions of a package in a mirrored index",
	Long: `List the versions of a package recorded in a mirrored index.

The mirror is synchronized first if it does not exist yet. Versions are
printed one per line in ascending order.

Examples:
  indexctl query hackage lens
  indexctl query hackage aeson --quiet`,
	Args: cobra.ExactArgs(2),
	Run:  runQuery,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("indexctl %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output and all logs except errors")

	syncCmd.Flags().Bool("no-verify", false, "disable tag signature verification")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// formatUndecodedError builds a user-friendly message for TOML keys that did
// not map onto the configuration, flagging the common [index.*] vs
// [indexes.*] mistake.
func formatUndecodedError(undecoded []toml.Key) string {
	var misnamed, unknown []string
	for _, key := range undecoded {
		keyStr := key.String()
		if rest, found := strings.CutPrefix(keyStr, "index."); found {
			misnamed = append(misnamed, "indexes."+rest)
			continue
		}
		unknown = append(unknown, keyStr)
	}

	var msg strings.Builder
	msg.WriteString("configuration contains unrecognized keys")
	if len(misnamed) > 0 {
		msg.WriteString(fmt.Sprintf("; the section is named [indexes], not [index] (did you mean %v?)", misnamed))
	}
	if len(unknown) > 0 {
		msg.WriteString(fmt.Sprintf("; unknown keys: %v", unknown))
	}
	msg.WriteString("\nSection names are case-sensitive and must match exactly.")
	return msg.String()
}

// loadConfig reads and validates the TOML configuration and applies the
// logging settings, including any command-line overrides.
func loadConfig(cmd *cobra.Command) *index.Config {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := index.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	return config
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(cmd)

	noVerify, _ := cmd.Flags().GetBool("no-verify")
	quiet, _ := cmd.Flags().GetBool("quiet")

	if err := index.Run(context.Background(), config, args, noVerify, quiet); err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("sync failed", "error", errorMsg)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runQuery(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config := loadConfig(cmd)

	indexID := args[0]
	pkg := args[1]
	quiet, _ := cmd.Flags().GetBool("quiet")

	versions, err := index.Query(context.Background(), config, indexID, pkg, quiet)
	if err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("query failed", "index", indexID, "package", pkg, "error", errorMsg)
		os.Exit(1)
	}

	if versions == nil {
		fmt.Fprintf(os.Stderr, "package %q not found in index %q\n", pkg, indexID)
		os.Exit(1)
	}

	for _, v := range versions.Sorted() {
		fmt.Println(v)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := index.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	for indexID, indexConfig := range config.Indexes {
		if !index.IsValidID(indexID) {
			validationErrors = append(validationErrors, errors.New("invalid index ID: "+indexID))
		}
		if err := indexConfig.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "index \""+indexID+"\""))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
