package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	stdsync "sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmendes/pomosync/internal/models"
	"github.com/jmendes/pomosync/internal/remote"
	"github.com/jmendes/pomosync/internal/session"
	"github.com/jmendes/pomosync/internal/store"
	syncengine "github.com/jmendes/pomosync/internal/sync"
	"github.com/jmendes/pomosync/internal/timer"
)

var runTaskID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon and pomodoro timer",
	Long: `Runs the background sync loop and, optionally, a pomodoro session bound to
a task. Queued changes drain whenever the server is reachable; the timer
advances once per second and completed pomodoros are recorded against the
task.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTaskID, "task", "", "Start a pomodoro session for this task")
}

func runRun(cmd *cobra.Command, args []string) error {
	log.Println("Starting pomosync...")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path, err := cfg.DBPath()
	if err != nil {
		return err
	}

	s, err := store.New(path)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := remote.NewHTTPClient(cfg.ServerURL)
	engine := syncengine.New(s, client, cfg.EngineConfig(), logger)

	tmr := timer.New(nil)
	coord := session.New(tmr, engine, s, cfg.Durations(), logger)

	// Narrate phase transitions; completions are logged by the coordinator.
	phases := tmr.Subscribe(16)
	var logWG stdsync.WaitGroup
	logWG.Add(1)
	go func() {
		defer logWG.Done()
		for ev := range phases {
			if ev.Type != timer.EventStateChange {
				continue
			}
			if ev.Phase == timer.PhaseIdle {
				logger.Info("timer idle")
				continue
			}
			logger.Info("phase entered", "phase", ev.Phase, "planned", ev.Planned)
		}
	}()

	// Connectivity probe. The engine never detects the network itself; this
	// loop is the external online/offline signal.
	probeCtx, probeCancel := context.WithCancel(context.Background())
	var probeWG stdsync.WaitGroup
	probeWG.Add(1)
	go func() {
		defer probeWG.Done()
		probe := func() {
			ctx, cancel := context.WithTimeout(probeCtx, healthProbeTimeout)
			defer cancel()
			engine.SetOnline(client.Health(ctx) == nil)
		}
		probe()
		ticker := time.NewTicker(cfg.HealthInterval())
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()

	engine.Start()
	coord.Start()

	cleanup := func() {
		probeCancel()
		probeWG.Wait()
		coord.Close()
		engine.Stop()
		tmr.Close()
		logWG.Wait()
		log.Println("Closing database connection...")
		if err := s.Close(); err != nil {
			log.Printf("Database close error: %v", err)
		}
	}

	if runTaskID != "" {
		taskID, err := resolveLocalID(s, models.EntityTypeTask, runTaskID)
		if err != nil {
			cleanup()
			return err
		}
		if err := coord.StartTask(taskID); err != nil {
			cleanup()
			return err
		}
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case sig := <-sigCh:
			log.Printf("Received signal %v, initiating graceful shutdown...", sig)
			break loop
		case <-ticker.C:
			coord.Tick()
		}
	}

	cleanup()
	log.Println("Shutdown complete")
	return nil
}
