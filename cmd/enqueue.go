package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/marcus/oq/internal/db"
	"github.com/marcus/oq/internal/models"
	"github.com/marcus/oq/internal/output"
	"github.com/spf13/cobra"
)

var enqueueBaseVersion int64

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <entity-type> <entity-id> <operation> [payload]",
	Short:   "Queue a local mutation for sync",
	GroupID: "queue",
	Long: `Commits a mutation to the durable local queue. The payload is a JSON
document given as the fourth argument, or read from stdin when the
argument is "-" or omitted for create/update operations.

Operations: create, update, delete`,
	Args: cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, entityID := args[0], args[1]
		op := models.Operation(args[2])
		if !models.ValidOperation(op) {
			return fmt.Errorf("invalid operation %q (want create, update, or delete)", args[2])
		}

		payload, err := readPayload(args, op)
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		item := &models.QueueItem{
			EntityType:  entityType,
			EntityID:    entityID,
			Operation:   op,
			Payload:     payload,
			BaseVersion: enqueueBaseVersion,
		}
		id, err := store.Enqueue(item)
		if err != nil {
			if errors.Is(err, db.ErrQueueFull) {
				output.Error("queue is full; run 'oq sync' or raise sync.max_items")
			}
			return err
		}

		if jsonOutput {
			return output.JSON(map[string]string{"id": id})
		}
		output.Success("Queued %s %s/%s (%s)", op, entityType, entityID, id[:8])
		return nil
	},
}

// readPayload resolves the payload argument, reading stdin for "-".
// Deletes may omit the payload entirely.
func readPayload(args []string, op models.Operation) (json.RawMessage, error) {
	raw := ""
	if len(args) == 4 {
		raw = args[3]
	}
	if raw == "" && op == models.OperationDelete {
		return nil, nil
	}
	if raw == "" || raw == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		raw = string(data)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func init() {
	enqueueCmd.Flags().Int64Var(&enqueueBaseVersion, "base-version", 0, "Entity version the mutation was made against")
	rootCmd.AddCommand(enqueueCmd)
}
