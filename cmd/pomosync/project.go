package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmendes/pomosync/internal/models"
	"github.com/jmendes/pomosync/internal/store"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new project",
	RunE:  runProjectAdd,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE:  runProjectList,
}

var projectRmCmd = &cobra.Command{
	Use:   "rm [project-id]",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectRm,
}

var (
	projectName  string
	projectColor string
)

func init() {
	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectRmCmd)

	projectAddCmd.Flags().StringVar(&projectName, "name", "", "Project name (required)")
	projectAddCmd.Flags().StringVar(&projectColor, "color", "", "Display color (e.g. '#ff8800')")
	projectAddCmd.MarkFlagRequired("name")
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	payload, err := json.Marshal(models.Project{Name: projectName, Color: projectColor})
	if err != nil {
		return err
	}
	entity, err := a.engine.CreateEntity(models.EntityTypeProject, payload)
	if err != nil {
		return err
	}

	fmt.Printf("Created project: %s\n", entity.LocalID)
	a.trySync()
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entities, err := a.store.ListEntities(models.EntityTypeProject)
	if err != nil {
		return err
	}

	var live []models.Entity
	for _, e := range entities {
		if e.SyncState != models.SyncStatePendingDelete {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		fmt.Println("No projects found")
		return nil
	}

	openTasks, err := openTaskCounts(a.store)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOLOR\tOPEN TASKS\tSYNC")
	for _, e := range live {
		var project models.Project
		if err := json.Unmarshal(e.Payload, &project); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			truncateID(e.LocalID), truncate(project.Name, 30), project.Color,
			openTasks[e.LocalID], e.SyncState)
	}
	w.Flush()
	return nil
}

func runProjectRm(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	localID, err := resolveLocalID(a.store, models.EntityTypeProject, args[0])
	if err != nil {
		return err
	}
	if err := a.engine.DeleteEntity(localID); err != nil {
		return err
	}

	fmt.Printf("Deleted project %s\n", truncateID(localID))
	fmt.Println("Tasks filed under it keep their project reference")
	a.trySync()
	return nil
}

// projectNames maps project local IDs to display names.
func projectNames(s *store.Store) (map[string]string, error) {
	entities, err := s.ListEntities(models.EntityTypeProject)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(entities))
	for _, e := range entities {
		var project models.Project
		if err := json.Unmarshal(e.Payload, &project); err != nil {
			return nil, err
		}
		names[e.LocalID] = project.Name
	}
	return names, nil
}

// openTaskCounts counts not-done tasks per project local ID.
func openTaskCounts(s *store.Store) (map[string]int, error) {
	entities, err := s.ListEntities(models.EntityTypeTask)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range entities {
		if e.SyncState == models.SyncStatePendingDelete {
			continue
		}
		var task models.Task
		if err := json.Unmarshal(e.Payload, &task); err != nil {
			return nil, err
		}
		if !task.Done && task.ProjectID != "" {
			counts[task.ProjectID]++
		}
	}
	return counts, nil
}
