package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push queued mutations and pull remote changes",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	probeCtx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	err = a.client.Health(probeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}

	events := a.engine.Subscribe(64)
	queued, err := a.store.QueueLength()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := a.engine.Flush(ctx); err != nil {
		return err
	}
	remaining, err := a.store.QueueLength()
	if err != nil {
		return err
	}
	fmt.Printf("Pushed %d of %d queued mutations\n", queued-remaining, queued)

	result, err := a.engine.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Pulled %d new, %d updated, %d skipped\n", result.Imported, result.Adopted, result.Skipped)

	reportSyncEvents(events)
	return nil
}
