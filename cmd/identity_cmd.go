package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawnode/internal/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or reset this device's identity",
	}
	cmd.AddCommand(identityShowCmd())
	cmd.AddCommand(identityResetCmd())
	return cmd
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the node id, public key and pairing status",
		Run: func(cmd *cobra.Command, args []string) {
			n := loadNode()
			dev, err := n.identity.Identity()
			if errors.Is(err, identity.ErrNoIdentity) {
				fmt.Println("No identity yet. One is created on the first `clawnode pair`.")
				return
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			paired := "no"
			if n.identity.Paired() {
				paired = "yes"
			}
			fmt.Printf("Node ID:    %s\n", dev.NodeID)
			fmt.Printf("Public key: %s\n", dev.PublicKeyBase64URL())
			fmt.Printf("Paired:     %s\n", paired)
		},
	}
}

func identityResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the key pair and device token",
		Long:  "Deletes the key pair and device token. The next pairing creates a new device that must be approved again.",
		Run: func(cmd *cobra.Command, args []string) {
			n := loadNode()
			if !yes {
				ok, err := promptConfirm("Delete this device's identity? It will need to be paired again.", false)
				if errors.Is(err, errNoTerminal) {
					fmt.Fprintln(os.Stderr, "Refusing to delete without confirmation: pass --yes.")
					os.Exit(1)
				}
				if err != nil || !ok {
					fmt.Println("Cancelled.")
					return
				}
			}
			if err := n.identity.Clear(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Identity deleted.")
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}
