package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/marksync/internal/devserver"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory remote for local testing",
	Long: `Devserver accepts batch requests on the configured endpoints, stores
records in memory (last write wins) and answers health and presence probes.`,
	Example: `  marksync devserver --addr 127.0.0.1:8787 --token dev-token`,
	Annotations: map[string]string{skipClient: "true"},
	RunE:        runDevserver,
}

var (
	devAddr  string
	devToken string
)

func init() {
	rootCmd.AddCommand(devserverCmd)

	devserverCmd.Flags().StringVar(&devAddr, "addr", "",
		"Listen address (default from dev.server_addr)")
	devserverCmd.Flags().StringVar(&devToken, "token", "",
		"Required bearer token (default from dev.server_token)")
}

func runDevserver(cmd *cobra.Command, args []string) error {
	if devAddr != "" {
		cfg.Dev.ServerAddr = devAddr
	}
	if devToken != "" {
		cfg.Dev.ServerToken = devToken
	}

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := devserver.New(cfg, logger)

	printInfo("Dev server on http://%s", cfg.Dev.ServerAddr)
	return srv.ListenAndServe(ctx, cfg.Dev.ServerAddr)
}
