package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var itemType string
	var priority int
	var payloadFile string

	cmd := &cobra.Command{
		Use:   "enqueue [payload-json]",
		Short: "Add a work record to the sync queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload []byte
			switch {
			case payloadFile != "":
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				payload = data
			case len(args) == 1:
				payload = []byte(args[0])
			default:
				return fmt.Errorf("payload required: pass JSON as an argument or use --file")
			}
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			request := map[string]any{
				"type":     strings.TrimSpace(itemType),
				"payload":  json.RawMessage(payload),
				"priority": priority,
			}
			var result struct {
				Item queueItem `json:"item"`
			}
			if err := client.post("/api/enqueue", request, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s item %s\n", result.Item.Type, result.Item.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&itemType, "type", "t", "generic_operation", "Item type (unit_entry, photo_upload, ...)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Delivery priority; higher goes first")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "Read the payload from a file")
	return cmd
}

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one delivery pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var result struct {
				Processed int    `json:"processed"`
				Failed    int    `json:"failed"`
				Errored   int    `json:"errored"`
				Reason    string `json:"reason"`
			}
			if err := client.post("/api/sync", nil, &result); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Processed %d, failed %d, errored %d\n", result.Processed, result.Failed, result.Errored)
			if result.Reason != "" {
				fmt.Fprintf(out, "Pass ended early: %s\n", result.Reason)
			}
			return nil
		},
	}
}

func newUnlockCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Release the queue after re-authenticating",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.post("/api/unlock", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Queue unlocked")
			return nil
		},
	}
}
