package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TheMichaelB/marksync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and connectivity status",
	Example: `  marksync status
  marksync status --output yaml
  marksync status --probe=false`,
	RunE: runStatus,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued operations, oldest first",
	RunE:    runList,
}

var (
	statusOutput string
	statusProbe  bool
)

func init() {
	rootCmd.AddCommand(statusCmd, listCmd)

	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text",
		"Output format: text, json or yaml")
	statusCmd.Flags().BoolVar(&statusProbe, "probe", true,
		"Probe the remote before reporting")
}

type statusView struct {
	Connected    bool       `json:"connected" yaml:"connected"`
	Transport    string     `json:"transport,omitempty" yaml:"transport,omitempty"`
	Expensive    bool       `json:"expensive" yaml:"expensive"`
	PendingCount int        `json:"pending_count" yaml:"pending_count"`
	Failed       int        `json:"failed" yaml:"failed"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
	LastError    string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LoggedIn     bool       `json:"logged_in" yaml:"logged_in"`
	LogPath      string     `json:"log_path" yaml:"log_path"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if statusProbe {
		apiClient.CheckConnectivity(ctx)
	}

	ops, err := apiClient.Operations(ctx)
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}

	s := apiClient.Sync.Status()
	state := apiClient.Monitor.Current()

	view := statusView{
		Connected:    s.Connected,
		Transport:    string(state.Transport),
		Expensive:    state.Expensive,
		PendingCount: s.PendingCount,
		LastSyncTime: s.LastSyncTime,
		LastError:    s.LastError,
		LogPath:      cfg.Storage.LogPath,
	}
	for _, op := range ops {
		if op.Status == models.StatusFailed {
			view.Failed++
		}
	}
	if _, err := apiClient.Auth.GetToken(); err == nil || cfg.Auth.Token != "" {
		view.LoggedIn = true
	}

	format := statusOutput
	if jsonOutput {
		format = "json"
	}

	switch format {
	case "json":
		printJSON(view)
	case "yaml":
		data, err := yaml.Marshal(view)
		if err != nil {
			return fmt.Errorf("marshal status: %w", err)
		}
		fmt.Print(string(data))
	case "text":
		printStatusText(view)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}

func printStatusText(v statusView) {
	if v.Connected {
		printSuccess("● Online (%s)", v.Transport)
	} else {
		printWarning("○ Offline")
	}

	fmt.Printf("   Pending operations: %d", v.PendingCount)
	if v.Failed > 0 {
		fmt.Printf(" (%d failed)", v.Failed)
	}
	fmt.Println()

	if v.LastSyncTime != nil {
		fmt.Printf("   Last sync: %s (%s ago)\n",
			v.LastSyncTime.Local().Format(time.RFC3339),
			time.Since(*v.LastSyncTime).Round(time.Second))
	} else {
		fmt.Println("   Last sync: never")
	}

	if v.LastError != "" {
		printWarning("   Last error: %s", v.LastError)
	}

	if !v.LoggedIn {
		printInfo("   Not logged in; run 'marksync login' to enable syncing")
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ops, err := apiClient.Operations(context.Background())
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}

	if jsonOutput {
		printJSON(ops)
		return nil
	}

	if len(ops) == 0 {
		printInfo("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOP\tTYPE\tENTITY\tSTATUS\tRETRIES\tQUEUED")
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			op.ID, op.OperationType, op.EntityType, op.EntityID,
			op.Status, op.RetryCount, op.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
