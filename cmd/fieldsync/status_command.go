package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	Running  bool   `json:"running"`
	LockFile string `json:"lock_file"`
	Locked   bool   `json:"locked"`
	Total    int    `json:"total"`
}

type healthResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	Locked        bool           `json:"locked"`
	LockReason    string         `json:"lock_reason"`
	Online        bool           `json:"online"`
	Authenticated bool           `json:"authenticated"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var status statusResponse
			if err := client.get("/api/status", &status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			runningKind := statusError
			if status.Running {
				runningKind = statusOK
			}
			fmt.Fprintln(out, renderStatusLine("Daemon", runningKind, yesNo(status.Running), colorize))

			lockKind := statusOK
			lockMsg := "unlocked"
			if status.Locked {
				lockKind = statusWarn
				lockMsg = "locked"
			}
			fmt.Fprintln(out, renderStatusLine("Queue", lockKind, lockMsg, colorize))
			fmt.Fprintln(out, renderStatusLine("Queued items", statusInfo, fmt.Sprintf("%d", status.Total), colorize))
			fmt.Fprintln(out, renderStatusLine("Lock file", statusInfo, status.LockFile, colorize))
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show queue health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var health healthResponse
			if err := client.get("/api/health", &health); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			authKind := statusError
			if health.Authenticated {
				authKind = statusOK
			}
			onlineKind := statusWarn
			if health.Online {
				onlineKind = statusOK
			}
			lockKind := statusOK
			lockMsg := "unlocked"
			if health.Locked {
				lockKind = statusWarn
				lockMsg = "locked"
				if health.LockReason != "" {
					lockMsg += " (" + health.LockReason + ")"
				}
			}

			fmt.Fprintln(out, renderStatusLine("Authenticated", authKind, yesNo(health.Authenticated), colorize))
			fmt.Fprintln(out, renderStatusLine("Online", onlineKind, yesNo(health.Online), colorize))
			fmt.Fprintln(out, renderStatusLine("Queue", lockKind, lockMsg, colorize))
			fmt.Fprintln(out, renderStatusLine("Total items", statusInfo, fmt.Sprintf("%d", health.Total), colorize))

			for _, status := range []string{"pending", "syncing", "failed", "locked", "error", "dead"} {
				count := health.ByStatus[status]
				if count == 0 {
					continue
				}
				kind := statusInfo
				switch status {
				case "failed", "locked":
					kind = statusWarn
				case "error", "dead":
					kind = statusError
				}
				fmt.Fprintln(out, renderStatusLine(status, kind, fmt.Sprintf("%d", count), colorize))
			}
			return nil
		},
	}
}
