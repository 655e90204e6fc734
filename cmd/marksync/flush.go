package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/marksync/internal/services/sync"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Push queued operations to the remote now",
	Long: `Flush probes the remote and, if it is reachable, sends every pending and
failed operation in one batch per entity type. Operations that fail too often are dropped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		apiClient.CheckConnectivity(ctx)

		result, err := apiClient.Sync.Flush(ctx)
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		return reportFlush(result)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed operations to the queue and flush",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		apiClient.CheckConnectivity(ctx)

		result, err := apiClient.Sync.RetryFailed(ctx)
		if err != nil {
			return fmt.Errorf("retry: %w", err)
		}
		return reportFlush(result)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation",
	RunE:  runClear,
}

var clearYes bool

func init() {
	rootCmd.AddCommand(flushCmd, retryCmd, clearCmd)

	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false,
		"Do not ask for confirmation")
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	pending := apiClient.Sync.PendingOperationsCount()

	if !clearYes && !jsonOutput {
		if pending == 0 {
			printInfo("Queue is already empty")
			return nil
		}
		if !confirm(fmt.Sprintf("Drop %d queued operation(s)? They will never be synced. [y/N] ", pending)) {
			printInfo("Aborted")
			return nil
		}
	}

	if err := apiClient.Sync.ClearAll(ctx); err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"cleared": pending,
		})
	} else {
		printSuccess("Cleared %d operation(s)", pending)
	}
	return nil
}

func reportFlush(result *sync.FlushResult) error {
	if jsonOutput {
		printJSON(result)
		return nil
	}

	if result.Skipped {
		switch result.SkipReason {
		case sync.SkipOffline:
			printWarning("Remote unreachable; operations stay queued")
		case sync.SkipClaimed:
			printWarning("Another marksync process is flushing this queue")
		default:
			printWarning("Flush skipped: %s", result.SkipReason)
		}
		return nil
	}

	if result.Partitions == 0 {
		printInfo("Nothing to sync")
		return nil
	}

	fmt.Printf("\n📤 Flush Summary:\n")
	fmt.Printf("   Operations sent: %d\n", result.Sent)
	fmt.Printf("   Batches: %d ok, %d failed, %d deferred\n",
		result.Succeeded, result.Failed, result.Deferred)
	if result.Dropped > 0 {
		fmt.Printf("   Dropped: %d\n", result.Dropped)
	}
	fmt.Printf("   Still queued: %d\n", apiClient.Sync.PendingOperationsCount())

	switch {
	case result.Deferred > 0 && result.Attempted == 0:
		printWarning("\nNot logged in; run 'marksync login' first")
	case result.Failed > 0:
		printWarning("\nLast error: %s", result.LastError)
	default:
		printSuccess("\n✅ Flush completed")
	}

	return nil
}

func confirm(prompt string) bool {
	fmt.Fprint(os.Stderr, prompt)

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
