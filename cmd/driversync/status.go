package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync status",
	Long: `Display the local sync state for the configured driver and day.

Shows pending and dead actions, open manual conflicts, the sync cursor,
and storage usage. Reads the local store directly; the daemon does not
need to be running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		snap, err := a.snapshot(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("\nDriver %s (%s)\n\n", cfg.Driver.ID, cfg.PartitionPrefix(time.Now))
		fmt.Printf("Pending actions:  %d\n", snap.PendingCount)
		fmt.Printf("Dead actions:     %d\n", len(snap.DeadActions))
		fmt.Printf("Manual conflicts: %d\n", len(snap.ManualEntries))
		if snap.Cursor.Token == "" {
			fmt.Printf("Sync cursor:      never advanced\n")
		} else {
			fmt.Printf("Sync cursor:      %s (advanced %s)\n",
				snap.Cursor.Token, snap.Cursor.LastAdvanced.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("Storage:          %s of %s\n\n",
			humanBytes(snap.UsageBytes), humanBytes(snap.QuotaBytes))

		for _, d := range snap.DeadActions {
			fmt.Printf("  dead   %s  stop=%s  %s  %s\n", d.IdempotencyKey, d.StopID, d.Type, d.LastError)
		}
		for _, m := range snap.ManualEntries {
			fmt.Printf("  manual %s  stop=%s  %s\n", m.ID, m.Action.StopID, m.Reason)
		}
		if len(snap.DeadActions) > 0 || len(snap.ManualEntries) > 0 {
			fmt.Println()
		}
		return nil
	},
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
