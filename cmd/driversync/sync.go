package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync round and exit",
	Long: `Run a single pull/push/reconcile round in the foreground.

Useful for debugging and for cron-style setups without the daemon. The
round pulls the latest route snapshot, pushes the pending action batch,
reconciles the outcomes, and uploads any unsent GPS trail.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.close()

		summary := a.engine.RunOnce("cli")
		if summary == nil {
			return fmt.Errorf("a sync round is already in flight")
		}

		if summary.Error != "" {
			fmt.Fprintf(os.Stderr, "Sync round failed: %s\n", summary.Error)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", summary.Duration.Round(time.Millisecond))
		fmt.Printf("   Pushed:    %d\n", summary.Pushed)
		fmt.Printf("   Accepted:  %d\n", summary.Accepted)
		fmt.Printf("   Rejected:  %d\n", summary.Rejected)
		fmt.Printf("   Conflicts: %d\n", summary.Conflicts)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
