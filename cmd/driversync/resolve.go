package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Decide a manual conflict",
	Long: `Apply a decision to a conflict that could not be resolved
automatically.

With --keep-local the queued action is re-submitted as an authoritative
overwrite on the next sync round. With --discard the server's change
stands and the local action is dropped. Exactly one flag is required.

List open conflicts with 'driversync status'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keepLocal, _ := cmd.Flags().GetBool("keep-local")
		discard, _ := cmd.Flags().GetBool("discard")
		if keepLocal == discard {
			return fmt.Errorf("pass exactly one of --keep-local or --discard")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.ResolveManual(context.Background(), args[0], keepLocal); err != nil {
			return err
		}

		if keepLocal {
			fmt.Printf("Kept local action %s; it will overwrite on the next sync\n", args[0])
		} else {
			fmt.Printf("Discarded local action %s in favor of server state\n", args[0])
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().Bool("keep-local", false, "Re-submit the local action as an overwrite")
	resolveCmd.Flags().Bool("discard", false, "Drop the local action; server state stands")
	rootCmd.AddCommand(resolveCmd)
}
