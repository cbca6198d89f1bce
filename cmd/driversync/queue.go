package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cheez95/driversync/internal/model"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the local action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions",
	Long: `List every action in the local queue with its status, retry count,
and per-stop sequence number, oldest first.`,
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

		actions, err := a.queue.All(context.Background())
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		for _, act := range actions {
			extra := ""
			if act.RetryCount > 0 {
				extra = fmt.Sprintf("  retries=%d", act.RetryCount)
			}
			if act.HeldForManual {
				extra += "  held"
			}
			if act.LastError != "" {
				extra += "  err=" + act.LastError
			}
			fmt.Printf("%s  %-8s  stop=%s seq=%d  %s%s\n",
				act.IdempotencyKey, act.Status, act.StopID, act.Seq, act.Type, extra)
		}
		return nil
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <stop-id> <type>",
	Short: "Record a delivery action",
	Long: `Record a delivery action against a stop. Types: arrive, complete,
skip, fail, note.

The payload must match the action type:
  arrive    {} or {"arrived_at": "..."}
  complete  {} or {"signature": "...", "photo_ref": "...", "amount_collected": "..."}
  skip      {"reason": "..."}
  fail      {"reason": "...", "retry_requested": true}
  note      {"text": "..."}

Example:
  driversync queue add stop-17 complete --payload '{"signature":"sig-data"}'
  driversync queue add stop-17 skip --payload '{"reason":"business closed"}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadStr, _ := cmd.Flags().GetString("payload")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.close()

		var payload json.RawMessage
		if payloadStr != "" {
			payload = json.RawMessage(payloadStr)
		}

		action, err := a.engine.Enqueue(context.Background(), args[0], model.ActionType(args[1]), payload)
		if err != nil {
			return err
		}

		fmt.Printf("Queued %s (stop %s, seq %d)\n", action.IdempotencyKey, action.StopID, action.Seq)
		fmt.Println("Run 'driversync sync' or let the daemon push it")
		return nil
	},
}

func init() {
	queueAddCmd.Flags().String("payload", "", "Action payload as JSON")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	rootCmd.AddCommand(queueCmd)
}
