package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/cuemby/minerguard/pkg/manager"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/spf13/cobra"
)

// Site commands
var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Inspect sites",
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites visible to the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			sites, err := mgr.ListSites(actor)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tMODE")
			for _, s := range sites {
				fmt.Fprintf(w, "%s\t%s\t%d (%s)\n", s.ID, s.Name, s.IPMode, s.IPMode)
			}
			return w.Flush()
		})
	},
}

func init() {
	siteCmd.AddCommand(siteListCmd)
	rootCmd.AddCommand(siteCmd)
}

// Miner commands
var minerCmd = &cobra.Command{
	Use:   "miner",
	Short: "Manage miners",
}

var minerOnboardCmd = &cobra.Command{
	Use:   "onboard NAME",
	Short: "Onboard a miner with its credential",
	Long: `Onboard a miner at a site. The credential is encoded for the site's
current protection mode. For device E2EE sites pass an envelope produced by
"minerguard seal".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		siteID, _ := cmd.Flags().GetString("site")
		file, _ := cmd.Flags().GetString("credential-file")

		credential, err := readInput(file)
		if err != nil {
			return err
		}
		defer security.Zero(credential)

		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			miner, err := mgr.OnboardMiner(actor, siteID, args[0], credential)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Miner onboarded: %s (ID: %s)\n", miner.Name, miner.ID)
			fmt.Printf("  Mode: %s\n", miner.CredentialMode)
			fmt.Printf("  Fingerprint: %s\n", miner.Fingerprint)
			return nil
		})
	},
}

var minerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List miners visible to the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			miners, err := mgr.ListMiners(actor)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSITE\tMODE\tFINGERPRINT")
			for _, m := range miners {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Name, m.SiteID, m.CredentialMode, m.Fingerprint)
			}
			return w.Flush()
		})
	},
}

var minerShowCmd = &cobra.Command{
	Use:   "show MINER_ID",
	Short: "Show a miner's masked credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			view, err := mgr.DisplayCredential(actor, args[0])
			if err != nil {
				return err
			}
			return printJSON(view)
		})
	},
}

func init() {
	minerOnboardCmd.Flags().String("site", "", "Site ID (required)")
	minerOnboardCmd.Flags().StringP("credential-file", "f", "-", "Credential file, or - for stdin")
	_ = minerOnboardCmd.MarkFlagRequired("site")

	minerCmd.AddCommand(minerOnboardCmd)
	minerCmd.AddCommand(minerListCmd)
	minerCmd.AddCommand(minerShowCmd)
	rootCmd.AddCommand(minerCmd)
}

// Device commands
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Manage edge collectors",
}

var deviceRegisterCmd = &cobra.Command{
	Use:   "register NAME",
	Short: "Register an edge collector for a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		siteID, _ := cmd.Flags().GetString("site")
		encodedKey, _ := cmd.Flags().GetString("public-key")
		keyVersion, _ := cmd.Flags().GetInt("key-version")

		publicKey, err := base64.StdEncoding.DecodeString(encodedKey)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}

		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			reg, err := mgr.RegisterDevice(actor, siteID, args[0], publicKey, keyVersion)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Device registered: %s (ID: %s)\n", reg.Device.Name, reg.Device.ID)
			fmt.Printf("  Device token (shown once): %s\n", reg.Token)
			return nil
		})
	},
}

var deviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List edge collectors visible to the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withActor(cmd, func(mgr *manager.Manager, actor *types.Actor) error {
			devices, err := mgr.ListDevices(actor)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSITE\tKEY VERSION\tSTATUS")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Name, d.SiteID, d.KeyVersion, d.Status)
			}
			return w.Flush()
		})
	},
}

func init() {
	deviceRegisterCmd.Flags().String("site", "", "Site ID (required)")
	deviceRegisterCmd.Flags().String("public-key", "", "Device public key, base64 (required)")
	deviceRegisterCmd.Flags().Int("key-version", 1, "Key version of the public key")
	_ = deviceRegisterCmd.MarkFlagRequired("site")
	_ = deviceRegisterCmd.MarkFlagRequired("public-key")

	deviceCmd.AddCommand(deviceRegisterCmd)
	deviceCmd.AddCommand(deviceListCmd)
	rootCmd.AddCommand(deviceCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
