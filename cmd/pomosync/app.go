package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jmendes/pomosync/internal/config"
	"github.com/jmendes/pomosync/internal/models"
	"github.com/jmendes/pomosync/internal/remote"
	"github.com/jmendes/pomosync/internal/store"
	syncengine "github.com/jmendes/pomosync/internal/sync"
)

// healthProbeTimeout bounds the reachability check one-shot commands make
// before attempting to push the queue.
const healthProbeTimeout = 3 * time.Second

// app bundles the store, remote client and sync engine for one-shot commands.
// The engine's background loop is not started; commands push the queue
// explicitly via trySync.
type app struct {
	cfg    *config.Config
	store  *store.Store
	client *remote.HTTPClient
	engine *syncengine.Engine
}

func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}
	s, err := store.New(path)
	if err != nil {
		return nil, err
	}

	client := remote.NewHTTPClient(cfg.ServerURL)
	engine := syncengine.New(s, client, cfg.EngineConfig(), cliLogger())
	return &app{cfg: cfg, store: s, client: client, engine: engine}, nil
}

func (a *app) Close() {
	a.engine.Stop()
	a.store.Close()
}

// cliLogger discards sync engine logs unless --verbose is set; one-shot
// commands report outcomes themselves.
func cliLogger() *slog.Logger {
	if verbose {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// trySync pushes due queue entries if the server is reachable. Being offline
// is not an error: the mutation is committed locally and stays queued for the
// daemon or the next command.
func (a *app) trySync() {
	probeCtx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
	err := a.client.Health(probeCtx)
	cancel()
	if err != nil {
		fmt.Println("Server unreachable; change queued for next sync")
		return
	}

	events := a.engine.Subscribe(64)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.engine.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: sync interrupted: %v\n", err)
	}
	reportSyncEvents(events)
}

// reportSyncEvents prints rejections and conflicts observed during a flush.
// Successes are silent; the optimistic write already succeeded locally.
func reportSyncEvents(events <-chan syncengine.Event) {
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case syncengine.EventMutationFailed:
				fmt.Fprintf(os.Stderr, "Server rejected %s of %s %s: %v (rolled back)\n",
					ev.Operation, ev.EntityType, truncateID(ev.LocalID), ev.Err)
			case syncengine.EventConflictDetected:
				fmt.Fprintf(os.Stderr, "Conflict on %s %s; inspect with 'pomosync conflicts'\n",
					ev.EntityType, truncateID(ev.LocalID))
			}
		default:
			return
		}
	}
}

// resolveLocalID expands a possibly-abbreviated ID to a full local ID by
// prefix match within an entity type, so list output IDs are usable directly.
func resolveLocalID(s *store.Store, entityType models.EntityType, id string) (string, error) {
	entity, err := s.GetEntity(id)
	if err != nil {
		return "", err
	}
	if entity != nil && entity.Type == entityType {
		return entity.LocalID, nil
	}

	entities, err := s.ListEntities(entityType)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range entities {
		if strings.HasPrefix(e.LocalID, id) {
			matches = append(matches, e.LocalID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no %s matches %q", entityType, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: %d %ss match", id, len(matches), entityType)
	}
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
