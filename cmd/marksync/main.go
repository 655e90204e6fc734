package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/marksync/internal/client"
	"github.com/TheMichaelB/marksync/internal/config"
	"github.com/TheMichaelB/marksync/internal/events"
)

var (
	// Global flags
	configFile string
	jsonOutput bool
	verbose    bool

	// Set up in PersistentPreRunE
	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

// skipClient marks commands that must not open the operation log.
const skipClient = "skip-client"

var rootCmd = &cobra.Command{
	Use:   "marksync",
	Short: "Offline-first sync queue for notes and bookmarks",
	Long: `marksync records note and bookmark changes in a durable local queue
and pushes them to the remote service in per-type batches whenever it is reachable.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient == nil {
			return nil
		}
		err := apiClient.Close()
		apiClient = nil
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Config file (default: ./marksync.yaml, ~/.config/marksync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func setup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(configFile)

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if verbose {
		cfg.Log.Level = "debug"
	}
	if jsonOutput && cfg.Log.File == "" {
		// Keep stdout clean for the JSON document.
		cfg.Log.Level = "error"
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	if loader.ConfigFile() != "" {
		logger.WithField("path", loader.ConfigFile()).Debug("Loaded config")
	}

	if cmd.Annotations[skipClient] == "true" {
		return nil
	}

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if apiClient != nil {
			_ = apiClient.Close()
		}
		if !jsonOutput {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

// Output helpers

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stdout, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	color.New(color.FgCyan).Fprintf(os.Stdout, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		printError("encode output: %v", err)
	}
}
