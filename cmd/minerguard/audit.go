package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/minerguard/pkg/manager"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/spf13/cobra"
)

// Audit commands
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the tenant audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the caller's tenant hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			ok, broken, err := mgr.VerifyAuditChain(actor)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("audit chain broken at event %s", broken)
			}
			fmt.Println("✓ Audit chain intact")
			return nil
		})
	},
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the caller's tenant audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			// Reading the chain is gated like verifying it.
			if _, _, err := mgr.VerifyAuditChain(actor); err != nil {
				return err
			}
			events, err := mgr.Store().ListAuditEvents(actor.TenantID)
			if err != nil {
				return err
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tTIME\tEVENT\tRESULT\tACTOR\tTARGET")
			for _, e := range events {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s/%s\n",
					e.Seq, e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.Result,
					e.ActorID, e.TargetType, e.TargetID)
			}
			return w.Flush()
		})
	},
}

func init() {
	auditListCmd.Flags().Int("limit", 50, "Show only the newest N events (0 for all)")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditListCmd)
	rootCmd.AddCommand(auditCmd)
}
