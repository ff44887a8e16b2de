package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tecet/ollm-cli/internal/snapshot"
	"github.com/Tecet/ollm-cli/internal/storage"
)

var snapshotsSession string

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Manage stored context snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, grouped by session",
	RunE:  runSnapshotsList,
}

var snapshotsDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotsDelete,
}

func init() {
	snapshotsListCmd.Flags().StringVar(&snapshotsSession, "session", "", "Only list snapshots of this session")
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsDeleteCmd)
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	store, err := storage.OpenDefault()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	sessionIDs := []string{snapshotsSession}
	if snapshotsSession == "" {
		sessions, err := store.ListSessions(ctx, 50, 0)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions recorded yet")
			return nil
		}
		sessionIDs = sessionIDs[:0]
		for _, s := range sessions {
			sessionIDs = append(sessionIDs, s.ID)
		}
	}

	total := 0
	for _, id := range sessionIDs {
		infos, err := store.ListSnapshots(ctx, id)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			continue
		}
		fmt.Printf("session %s\n", id)
		for _, info := range infos {
			fmt.Printf("  %s  %s  %6d tokens  %s\n",
				info.ID, info.CreatedAt.Format("2006-01-02 15:04:05"), info.TokenCount, info.Summary)
		}
		total += len(infos)
	}
	if total == 0 {
		fmt.Println("no snapshots stored")
	}
	return nil
}

func runSnapshotsDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.OpenDefault()
	if err != nil {
		return err
	}
	defer store.Close()

	manager := snapshot.NewManager(store, nil, cfg.SnapshotConfig())
	if err := manager.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("snapshot %s deleted\n", args[0])
	return nil
}
