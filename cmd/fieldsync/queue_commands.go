package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type queueItem struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retry_count"`
	NextEligibleAt *time.Time      `json:"next_eligible_at"`
	LastError      string          `json:"last_error"`
}

type queueListResponse struct {
	Items []queueItem `json:"items"`
}

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the sync queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var statusFilter []string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd, ctx, statusFilter)
		},
	}
	listCmd.Flags().StringSliceVar(&statusFilter, "status", nil, "Filter by status (pending, failed, error, dead, ...)")

	queueCmd.AddCommand(listCmd)
	queueCmd.AddCommand(&cobra.Command{
		Use:   "errors",
		Short: "List items rejected by the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd, ctx, []string{"error"})
		},
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd, ctx, []string{"dead"})
		},
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Reset failed and dead items for another delivery attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var result struct {
				Reset int `json:"reset"`
			}
			if err := client.post("/api/queue/retry", nil, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d item(s) to pending\n", result.Reset)
			return nil
		},
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "reset-errors",
		Short: "Return rejected items to the queue after fixing their payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var result struct {
				Reset int `json:"reset"`
			}
			if err := client.post("/api/queue/reset-errors", nil, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d item(s) to pending\n", result.Reset)
			return nil
		},
	})

	return queueCmd
}

func runQueueList(cmd *cobra.Command, ctx *commandContext, statuses []string) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}

	path := "/api/queue"
	if len(statuses) > 0 {
		query := url.Values{}
		for _, status := range statuses {
			query.Add("status", status)
		}
		path += "?" + query.Encode()
	}

	var list queueListResponse
	if err := client.get(path, &list); err != nil {
		return err
	}
	if len(list.Items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
		return nil
	}

	rows := make([][]string, 0, len(list.Items))
	for _, item := range list.Items {
		rows = append(rows, []string{
			shortID(item.ID),
			item.Type,
			item.Status,
			fmt.Sprintf("%d", item.Priority),
			fmt.Sprintf("%d", item.RetryCount),
			item.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(item.LastError, 48),
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"ID", "Type", "Status", "Pri", "Retries", "Created", "Last Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))
	return nil
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
