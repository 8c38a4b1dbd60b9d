package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quailyquaily/planwarden/approval"
	"github.com/quailyquaily/planwarden/internal/clifmt"
	"github.com/quailyquaily/planwarden/internal/strutil"
)

var (
	actorArg     string
	queueStatus  string
	rejectReason string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and resolve pending approvals",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval records",
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		var status approval.Status
		if queueStatus != "" {
			status = approval.Status(queueStatus)
		}
		records, err := w.approvals.List(cmd.Context(), status)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println(clifmt.Dim("no approval records"))
			return nil
		}

		for _, st := range records {
			marker := string(st.Status)
			if st.RolledBack {
				marker += " (rolled back)"
			}
			fmt.Printf("%s  %-18s  %s  steps=%d  plan=%s\n",
				st.CreatedAt.Format(time.RFC3339),
				marker,
				st.ExecutionID,
				len(st.PendingStepIDs),
				strutil.TruncateUTF8(st.PlanHash, 12),
			)
			if st.RejectionReason != "" {
				fmt.Println(clifmt.Dim("    reason: " + st.RejectionReason))
			}
		}
		return nil
	},
}

var queueApproveCmd = &cobra.Command{
	Use:   "approve <execution-id>",
	Short: "Approve an awaiting record after a prestate freshness check",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		st, err := w.gate.Approve(cmd.Context(), args[0], actorArg)
		if err != nil {
			return err
		}
		fmt.Println(clifmt.Success("approved " + st.ExecutionID))
		return nil
	},
}

var queueRejectCmd = &cobra.Command{
	Use:   "reject <execution-id>",
	Short: "Reject an awaiting record with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		st, err := w.gate.Reject(cmd.Context(), args[0], rejectReason, actorArg)
		if err != nil {
			return err
		}
		fmt.Println(clifmt.Warn("rejected " + st.ExecutionID + ": " + st.RejectionReason))
		return nil
	},
}

var queueRollbackCmd = &cobra.Command{
	Use:   "rollback <execution-id>",
	Short: "Mark an approved execution as rolled back",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := gateFromViper(logger)
		if err != nil {
			return err
		}
		defer w.Close()

		st, err := w.gate.Rollback(cmd.Context(), args[0], actorArg)
		if err != nil {
			return err
		}
		fmt.Println(clifmt.Warn("rollback recorded for " + st.ExecutionID))
		return nil
	},
}

func init() {
	queueCmd.PersistentFlags().StringVar(&actorArg, "actor", "", "who is acting")
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "filter by status: awaiting_approval, approved, rejected")
	queueRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason (required)")
	_ = queueRejectCmd.MarkFlagRequired("reason")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueApproveCmd)
	queueCmd.AddCommand(queueRejectCmd)
	queueCmd.AddCommand(queueRollbackCmd)
}
