package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/marksync/internal/services/sync"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch connectivity and flush whenever the remote comes back",
	Long: `Run keeps the engine alive: it polls the remote and flushes the queue on
every offline to online transition until interrupted.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-apiClient.Sync.Events():
				reportEvent(event)
			}
		}
	}()

	apiClient.Start(ctx)
	if !jsonOutput {
		printInfo("Watching %s (Ctrl+C to stop)", cfg.API.BaseURL)
	}

	<-ctx.Done()
	if !jsonOutput {
		printWarning("\nStopping...")
	}

	apiClient.Stop()
	<-done
	return nil
}

func reportEvent(event sync.Event) {
	if jsonOutput {
		data := map[string]interface{}{
			"type":      event.Type,
			"timestamp": event.Timestamp,
		}
		if event.FlushID != "" {
			data["flush_id"] = event.FlushID
		}
		if event.EntityType != "" {
			data["entity_type"] = event.EntityType
		}
		if event.OperationID != "" {
			data["operation_id"] = event.OperationID
		}
		if event.Count > 0 {
			data["count"] = event.Count
		}
		if event.Reason != "" {
			data["reason"] = event.Reason
		}
		if event.Error != nil {
			data["error"] = event.Error.Error()
		}
		if event.Result != nil {
			data["result"] = event.Result
		}
		printJSON(data)
		return
	}

	switch event.Type {
	case sync.EventPartitionSynced:
		printSuccess("✓ %d %s operation(s) synced", event.Count, event.EntityType)
	case sync.EventPartitionFailed:
		printWarning("✗ %d %s operation(s) failed: %v", event.Count, event.EntityType, event.Error)
	case sync.EventOperationDropped:
		printError("dropped %s operation %s: %s", event.EntityType, event.OperationID, event.Reason)
	case sync.EventFlushCompleted:
		if event.Result != nil && event.Result.Partitions > 0 {
			printInfo("Flush done: %d sent, %d pending",
				event.Result.Sent, apiClient.Sync.PendingOperationsCount())
		}
	}
}
