package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmendes/pomosync/internal/store"
	syncengine "github.com/jmendes/pomosync/internal/sync"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
	RunE:  runConflictsList,
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show [entity-id]",
	Short: "Show both sides of a conflict",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsShow,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [entity-id]",
	Short: "Resolve a conflict by keeping one side",
	Args:  cobra.ExactArgs(1),
	RunE:  runConflictsResolve,
}

var keepSide string

func init() {
	conflictsCmd.AddCommand(conflictsShowCmd, conflictsResolveCmd)

	conflictsResolveCmd.Flags().StringVar(&keepSide, "keep", "", "Side to keep: local or remote (required)")
	conflictsResolveCmd.MarkFlagRequired("keep")
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	conflicts, err := a.store.Conflicts()
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("No conflicts")
		return nil
	}

	window := a.cfg.EngineConfig().ConflictWindow

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tLOCAL VER\tREMOTE VER\tDETECTED\tAUTO-RESOLVE")
	for _, c := range conflicts {
		entity, err := a.store.GetEntity(c.LocalID)
		if err != nil {
			return err
		}
		if entity == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(c.LocalID), entity.Type, entity.Version, c.RemoteVersion,
			c.DetectedAt.Local().Format("15:04:05"),
			c.DetectedAt.Add(window).Local().Format("15:04:05"))
	}
	w.Flush()

	fmt.Println()
	fmt.Println("Unresolved conflicts settle automatically at the time shown; the side")
	fmt.Println("edited most recently wins. Resolve earlier with 'conflicts resolve'.")
	return nil
}

func runConflictsShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	localID, err := resolveConflictID(a.store, args[0])
	if err != nil {
		return err
	}
	conflict, err := a.store.GetConflict(localID)
	if err != nil {
		return err
	}
	entity, err := a.store.GetEntity(localID)
	if err != nil {
		return err
	}

	fmt.Printf("ID:              %s\n", localID)
	fmt.Printf("Type:            %s\n", entity.Type)
	fmt.Printf("Local version:   %d (edited %s)\n", entity.Version, entity.UpdatedAt.Local().Format("15:04:05"))
	fmt.Printf("Remote version:  %d (edited %s)\n", conflict.RemoteVersion, conflict.RemoteUpdatedAt.Local().Format("15:04:05"))
	fmt.Printf("Detected:        %s\n", conflict.DetectedAt.Local().Format("15:04:05"))

	fmt.Println("\n--- LOCAL ---")
	fmt.Println(indentJSON(entity.Payload))
	fmt.Println("\n--- REMOTE ---")
	fmt.Println(indentJSON(conflict.RemotePayload))
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	var resolution syncengine.Resolution
	switch keepSide {
	case "local":
		resolution = syncengine.ResolutionKeepLocal
	case "remote":
		resolution = syncengine.ResolutionKeepRemote
	default:
		return fmt.Errorf("--keep must be 'local' or 'remote', got %q", keepSide)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	localID, err := resolveConflictID(a.store, args[0])
	if err != nil {
		return err
	}
	if err := a.engine.ResolveConflict(localID, resolution); err != nil {
		return err
	}

	fmt.Printf("Resolved conflict on %s: kept %s version\n", truncateID(localID), keepSide)
	if resolution == syncengine.ResolutionKeepLocal {
		a.trySync()
	}
	return nil
}

// resolveConflictID expands a possibly-abbreviated ID against the set of
// conflicted entities.
func resolveConflictID(s *store.Store, id string) (string, error) {
	conflicts, err := s.Conflicts()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, c := range conflicts {
		if strings.HasPrefix(c.LocalID, id) {
			matches = append(matches, c.LocalID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no conflict matches %q", id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: %d conflicts match", id, len(matches))
	}
}

func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
