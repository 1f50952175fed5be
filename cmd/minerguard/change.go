package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/minerguard/pkg/approval"
	"github.com/cuemby/minerguard/pkg/manager"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/spf13/cobra"
)

// Change request commands
var changeCmd = &cobra.Command{
	Use:     "change-request",
	Aliases: []string{"cr"},
	Short:   "Four-eyes change requests",
	Long: `Guarded operations need two different actors: one requests the change,
an owner or admin approves it, and an owner or admin executes it before it
expires.`,
}

var changeCreateCmd = &cobra.Command{
	Use:   "create TYPE",
	Short: "Request a guarded change",
	Long: `Request a guarded change. TYPE is one of:

  reveal             --miner ID
  site-mode          --site ID --mode N
  batch-migrate      --site ID --mode N
  device-revoke      --device ID
  update-credential  --miner ID --credential-file FILE`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minerID, _ := cmd.Flags().GetString("miner")
		siteID, _ := cmd.Flags().GetString("site")
		deviceID, _ := cmd.Flags().GetString("device")
		mode, _ := cmd.Flags().GetInt("mode")
		reason, _ := cmd.Flags().GetString("reason")
		file, _ := cmd.Flags().GetString("credential-file")

		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			var (
				cr  *types.ChangeRequest
				err error
			)
			switch strings.ToLower(args[0]) {
			case "reveal":
				cr, err = mgr.RequestChange(actor, &approval.RevealCredential{MinerID: minerID}, reason)
			case "site-mode":
				cr, err = mgr.RequestChange(actor, &approval.ChangeSiteMode{SiteID: siteID, Mode: types.IPMode(mode)}, reason)
			case "batch-migrate":
				cr, err = mgr.RequestChange(actor, &approval.BatchMigrate{SiteID: siteID, ToMode: types.IPMode(mode)}, reason)
			case "device-revoke":
				cr, err = mgr.RequestChange(actor, &approval.DeviceRevoke{DeviceID: deviceID}, reason)
			case "update-credential":
				credential, rerr := readInput(file)
				if rerr != nil {
					return rerr
				}
				defer security.Zero(credential)
				cr, err = mgr.RequestCredentialUpdate(actor, minerID, credential, reason)
			default:
				return fmt.Errorf("unknown change request type: %s", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Printf("✓ Change request created: %s\n", cr.ID)
			fmt.Printf("  Type: %s\n", cr.RequestType)
			fmt.Printf("  Expires: %s\n", cr.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		})
	},
}

var changeApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			cr, err := mgr.ApproveChange(actor, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Change request approved: %s\n", cr.ID)
			return nil
		})
	},
}

var changeRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			cr, err := mgr.RejectChange(actor, args[0], reason)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Change request rejected: %s\n", cr.ID)
			return nil
		})
	},
}

var changeExecuteCmd = &cobra.Command{
	Use:   "execute ID",
	Short: "Execute an approved change request",
	Long: `Execute an approved change request. For a credential reveal the
plaintext is written to stdout and is not stored anywhere.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			out, err := mgr.ExecuteChange(actor, args[0])
			if err != nil {
				return err
			}
			defer security.Zero(out.Plaintext)

			fmt.Fprintf(os.Stderr, "✓ Change request executed: %s\n", out.ChangeRequest.ID)
			if out.Plaintext != nil {
				_, err := os.Stdout.Write(append(out.Plaintext, '\n'))
				return err
			}
			fmt.Println(string(out.ChangeRequest.ExecutionResult))
			return nil
		})
	},
}

var changeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List change requests visible to the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			crs, err := mgr.ListChangeRequests(actor)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tTARGET\tSTATUS\tREQUESTER\tEXPIRES")
			for _, cr := range crs {
				fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
					cr.ID, cr.RequestType, cr.TargetType, cr.TargetID, cr.Status,
					cr.RequesterActorID, cr.ExpiresAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var changeShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a change request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			cr, err := mgr.GetChangeRequest(actor, args[0])
			if err != nil {
				return err
			}
			return printJSON(cr)
		})
	},
}

func init() {
	changeCreateCmd.Flags().String("miner", "", "Target miner ID")
	changeCreateCmd.Flags().String("site", "", "Target site ID")
	changeCreateCmd.Flags().String("device", "", "Target device ID")
	changeCreateCmd.Flags().Int("mode", 0, "Target protection mode (1, 2 or 3)")
	changeCreateCmd.Flags().String("reason", "", "Why the change is needed")
	changeCreateCmd.Flags().StringP("credential-file", "f", "-", "New credential for update-credential, or - for stdin")

	changeRejectCmd.Flags().String("reason", "", "Why the change is rejected")

	changeCmd.AddCommand(changeCreateCmd)
	changeCmd.AddCommand(changeApproveCmd)
	changeCmd.AddCommand(changeRejectCmd)
	changeCmd.AddCommand(changeExecuteCmd)
	changeCmd.AddCommand(changeListCmd)
	changeCmd.AddCommand(changeShowCmd)
	rootCmd.AddCommand(changeCmd)
}
