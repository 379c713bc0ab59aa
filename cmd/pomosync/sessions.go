package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmendes/pomosync/internal/models"
	"github.com/jmendes/pomosync/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded pomodoro sessions",
	RunE:  runSessions,
}

var (
	sessionsTask  string
	sessionsLimit int
)

func init() {
	sessionsCmd.Flags().StringVar(&sessionsTask, "task", "", "Filter by task (ID or prefix)")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Show at most this many sessions (0 for all)")
}

func runSessions(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	taskFilter := ""
	if sessionsTask != "" {
		taskFilter, err = resolveLocalID(a.store, models.EntityTypeTask, sessionsTask)
		if err != nil {
			return err
		}
	}

	entities, err := a.store.ListEntities(models.EntityTypeSession)
	if err != nil {
		return err
	}

	type row struct {
		entity  models.Entity
		session models.PomodoroSession
	}
	var rows []row
	for _, e := range entities {
		if e.SyncState == models.SyncStatePendingDelete {
			continue
		}
		var session models.PomodoroSession
		if err := json.Unmarshal(e.Payload, &session); err != nil {
			return err
		}
		if taskFilter != "" && session.TaskID != taskFilter {
			continue
		}
		rows = append(rows, row{e, session})
	}

	if len(rows) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}
	if sessionsLimit > 0 && len(rows) > sessionsLimit {
		rows = rows[len(rows)-sessionsLimit:]
	}

	titles, err := taskTitles(a.store)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tTASK\tKIND\tPLANNED\tACTUAL\tFULL\tSYNC")
	for _, r := range rows {
		task := titles[r.session.TaskID]
		if task == "" {
			task = truncateID(r.session.TaskID)
		}
		full := ""
		if r.session.Completed {
			full = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.session.StartedAt.Local().Format("2006-01-02 15:04"),
			truncate(task, 30), r.session.Kind,
			(time.Duration(r.session.PlannedSec) * time.Second).String(),
			(time.Duration(r.session.ActualSec) * time.Second).String(),
			full, r.entity.SyncState)
	}
	w.Flush()
	return nil
}

// taskTitles maps task local IDs to titles.
func taskTitles(s *store.Store) (map[string]string, error) {
	entities, err := s.ListEntities(models.EntityTypeTask)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(entities))
	for _, e := range entities {
		var task models.Task
		if err := json.Unmarshal(e.Payload, &task); err != nil {
			return nil, err
		}
		titles[e.LocalID] = task.Title
	}
	return titles, nil
}
