package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmendes/pomosync/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status and queued mutations",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	reach := "unreachable"
	if a.client.Health(ctx) == nil {
		reach = "reachable"
	}
	cancel()

	path, err := a.cfg.DBPath()
	if err != nil {
		return err
	}
	counts, err := a.store.CountsBySyncState()
	if err != nil {
		return err
	}
	entries, err := a.store.QueueEntries()
	if err != nil {
		return err
	}

	pending := counts[models.SyncStatePendingCreate] +
		counts[models.SyncStatePendingUpdate] +
		counts[models.SyncStatePendingDelete]

	fmt.Printf("Server:    %s (%s)\n", a.cfg.ServerURL, reach)
	fmt.Printf("Database:  %s\n", path)
	fmt.Printf("Entities:  %d clean, %d pending, %d conflicted\n",
		counts[models.SyncStateClean], pending, counts[models.SyncStateConflicted])
	fmt.Printf("Queue:     %d pending mutations\n", len(entries))

	if len(entries) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "OP\tTYPE\tID\tATTEMPTS\tNEXT ATTEMPT")
		now := time.Now()
		for _, q := range entries {
			next := "now"
			if q.NextAttemptAt.After(now) {
				next = q.NextAttemptAt.Local().Format("15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				q.Operation, q.EntityType, truncateID(q.LocalID), q.AttemptCount, next)
		}
		w.Flush()
	}

	if counts[models.SyncStateConflicted] > 0 {
		fmt.Println()
		fmt.Printf("Run 'pomosync conflicts' to inspect conflicted entities\n")
	}
	return nil
}
