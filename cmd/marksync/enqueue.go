package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/marksync/internal/models"
	"github.com/TheMichaelB/marksync/internal/payload"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <note|bookmark>",
	Short: "Queue a create, update or delete for sync",
	Long: `Enqueue durably records one mutation. When the remote is reachable and
flush_on_enqueue is set, a flush runs before the command exits.

Fields come from flags, or from a JSON object given with --file ("-" reads stdin).
Flags that are set override fields from the file.`,
	Example: `  marksync enqueue note --op create --title "Groceries" --tag home
  marksync enqueue bookmark --op update --id b-42 --url https://go.dev --status read
  marksync enqueue note --op delete --id n-7
  cat note.json | marksync enqueue note --op update --file -`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(models.EntityNote), string(models.EntityBookmark)},
	RunE:      runEnqueue,
}

// entityFlags holds field values given on the command line.
type entityFlags struct {
	ID          string
	Title       string
	Content     string
	URL         string
	Description string
	Status      string
	Tags        []string
	Favorite    bool
	Archived    bool
	Version     int64
}

var (
	enqueueOp   string
	enqueueFile string
	enqueueVals entityFlags
)

func init() {
	rootCmd.AddCommand(enqueueCmd)

	f := enqueueCmd.Flags()
	f.StringVarP(&enqueueOp, "op", "o", "create", "Operation: create, update or delete")
	f.StringVar(&enqueueFile, "file", "", "JSON file with entity fields")
	f.StringVar(&enqueueVals.ID, "id", "", "Entity ID (required for update and delete)")
	f.StringVar(&enqueueVals.Title, "title", "", "Title")
	f.StringVar(&enqueueVals.Content, "content", "", "Note content")
	f.StringVar(&enqueueVals.URL, "url", "", "Bookmark URL")
	f.StringVar(&enqueueVals.Description, "description", "", "Bookmark description")
	f.StringVar(&enqueueVals.Status, "status", "", "Bookmark status: unread, read or archived")
	f.StringSliceVar(&enqueueVals.Tags, "tag", nil, "Tag (repeatable)")
	f.BoolVar(&enqueueVals.Favorite, "favorite", false, "Mark as favorite")
	f.BoolVar(&enqueueVals.Archived, "archived", false, "Mark note as archived")
	f.Int64Var(&enqueueVals.Version, "version", 0, "Record version")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	entityType, err := models.ParseEntityType(args[0])
	if err != nil {
		return err
	}

	opType, err := models.ParseOperationType(enqueueOp)
	if err != nil {
		return err
	}

	var raw []byte
	if enqueueFile != "" {
		raw, err = readInput(enqueueFile)
		if err != nil {
			return err
		}
	}

	changed := func(name string) bool { return cmd.Flags().Changed(name) }

	entity, err := buildEntity(entityType, raw, enqueueVals, changed)
	if err != nil {
		return err
	}

	if cfg.Sync.FlushOnEnqueue {
		apiClient.CheckConnectivity(ctx)
	}

	op, err := apiClient.Sync.Enqueue(ctx, opType, entityType, entity.EntityID(), entity)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	// Let a flush started by Enqueue finish before the log is closed.
	apiClient.Sync.Wait()

	status := apiClient.Sync.Status()

	if jsonOutput {
		printJSON(map[string]interface{}{
			"operation": op,
			"status":    status,
		})
		return nil
	}

	printSuccess("Queued %s %s (operation %s)", op.OperationType, op.EntityType, op.ID)
	if status.PendingCount > 0 {
		printInfo("%d operation(s) waiting to sync", status.PendingCount)
	}
	if status.LastError != "" {
		printWarning("Last sync error: %s", status.LastError)
	}

	return nil
}

// buildEntity merges a JSON field object with the flags that were set.
func buildEntity(
	entityType models.EntityType,
	raw []byte,
	vals entityFlags,
	changed func(string) bool,
) (payload.Entity, error) {
	var (
		entity payload.Entity
		err    error
	)

	if len(raw) > 0 {
		entity, err = payload.DecodeFields(entityType, raw)
	} else {
		entity, err = payload.New(entityType)
	}
	if err != nil {
		return nil, err
	}

	if changed("id") {
		entity.SetEntityID(vals.ID)
	}

	switch e := entity.(type) {
	case *payload.Note:
		if changed("title") {
			e.Title = vals.Title
		}
		if changed("content") {
			e.Content = vals.Content
		}
		if changed("tag") {
			e.Tags = vals.Tags
		}
		if changed("favorite") {
			e.Favorite = vals.Favorite
		}
		if changed("archived") {
			e.Archived = vals.Archived
		}
		if changed("version") {
			e.Version = vals.Version
		}
		for _, name := range []string{"url", "description", "status"} {
			if changed(name) {
				return nil, fmt.Errorf("--%s does not apply to notes", name)
			}
		}

	case *payload.Bookmark:
		if changed("title") {
			e.Title = vals.Title
		}
		if changed("url") {
			e.URL = vals.URL
		}
		if changed("description") {
			e.Description = vals.Description
		}
		if changed("status") {
			e.Status = vals.Status
		}
		if changed("tag") {
			e.Tags = vals.Tags
		}
		if changed("favorite") {
			e.Favorite = vals.Favorite
		}
		if changed("version") {
			e.Version = vals.Version
		}
		for _, name := range []string{"content", "archived"} {
			if changed(name) {
				return nil, fmt.Errorf("--%s does not apply to bookmarks", name)
			}
		}
	}

	return entity, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
