package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmendes/pomosync/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskDoneCmd = &cobra.Command{
	Use:   "done [task-id]",
	Short: "Mark a task as done",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDone,
}

var taskRmCmd = &cobra.Command{
	Use:   "rm [task-id]",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRm,
}

var (
	taskTitle   string
	taskNotes   string
	taskProject string
	taskAll     bool
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskDoneCmd, taskRmCmd)

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskNotes, "notes", "", "Free-form notes")
	taskAddCmd.Flags().StringVar(&taskProject, "project", "", "Project to file the task under (ID or prefix)")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().BoolVar(&taskAll, "all", false, "Include completed tasks")
	taskListCmd.Flags().StringVar(&taskProject, "project", "", "Filter by project (ID or prefix)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	task := models.Task{Title: taskTitle, Notes: taskNotes}
	if taskProject != "" {
		projectID, err := resolveLocalID(a.store, models.EntityTypeProject, taskProject)
		if err != nil {
			return err
		}
		task.ProjectID = projectID
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	entity, err := a.engine.CreateEntity(models.EntityTypeTask, payload)
	if err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", entity.LocalID)
	a.trySync()
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	projectFilter := ""
	if taskProject != "" {
		projectFilter, err = resolveLocalID(a.store, models.EntityTypeProject, taskProject)
		if err != nil {
			return err
		}
	}

	entities, err := a.store.ListEntities(models.EntityTypeTask)
	if err != nil {
		return err
	}

	type row struct {
		entity models.Entity
		task   models.Task
	}
	var rows []row
	for _, e := range entities {
		if e.SyncState == models.SyncStatePendingDelete {
			continue
		}
		var task models.Task
		if err := json.Unmarshal(e.Payload, &task); err != nil {
			return err
		}
		if task.Done && !taskAll {
			continue
		}
		if projectFilter != "" && task.ProjectID != projectFilter {
			continue
		}
		rows = append(rows, row{e, task})
	}

	if len(rows) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	names, err := projectNames(a.store)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPROJECT\tPOMS\tDONE\tSYNC")
	for _, r := range rows {
		project := ""
		if r.task.ProjectID != "" {
			project = names[r.task.ProjectID]
			if project == "" {
				project = truncateID(r.task.ProjectID)
			}
		}
		done := ""
		if r.task.Done {
			done = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(r.entity.LocalID), truncate(r.task.Title, 40), project,
			r.task.CompletedPomodoros, done, r.entity.SyncState)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	localID, err := resolveLocalID(a.store, models.EntityTypeTask, args[0])
	if err != nil {
		return err
	}
	entity, err := a.store.GetEntity(localID)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(entity.Payload, &task); err != nil {
		return err
	}

	fmt.Printf("ID:         %s\n", entity.LocalID)
	fmt.Printf("Title:      %s\n", task.Title)
	if task.Notes != "" {
		fmt.Printf("Notes:      %s\n", task.Notes)
	}
	if task.ProjectID != "" {
		fmt.Printf("Project:    %s\n", task.ProjectID)
	}
	fmt.Printf("Pomodoros:  %d\n", task.CompletedPomodoros)
	fmt.Printf("Done:       %t\n", task.Done)
	fmt.Printf("Sync state: %s\n", entity.SyncState)
	if entity.RemoteID != "" {
		fmt.Printf("Remote ID:  %s\n", entity.RemoteID)
	}
	fmt.Printf("Created:    %s\n", entity.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", entity.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runTaskDone(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	localID, err := resolveLocalID(a.store, models.EntityTypeTask, args[0])
	if err != nil {
		return err
	}
	entity, err := a.store.GetEntity(localID)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(entity.Payload, &task); err != nil {
		return err
	}
	if task.Done {
		fmt.Printf("Task %s is already done\n", truncateID(localID))
		return nil
	}
	task.Done = true

	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if _, err := a.engine.UpdateEntity(localID, payload); err != nil {
		return err
	}

	fmt.Printf("Marked task %s done: %s\n", truncateID(localID), task.Title)
	a.trySync()
	return nil
}

func runTaskRm(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	localID, err := resolveLocalID(a.store, models.EntityTypeTask, args[0])
	if err != nil {
		return err
	}
	if err := a.engine.DeleteEntity(localID); err != nil {
		return err
	}

	fmt.Printf("Deleted task %s\n", truncateID(localID))
	a.trySync()
	return nil
}
