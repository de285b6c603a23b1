package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moltbook/mcc/internal/config"
	"github.com/moltbook/mcc/internal/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show or rotate the device identity",
		Long:  "Prints the persistent device id and public key used for signed, tokenless gateway authentication. Rotating generates a fresh keypair; the gateway will see a new device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rotate, _ := cmd.Flags().GetBool("rotate")

			stateDir, err := config.Dir()
			if err != nil {
				return fmt.Errorf("state dir: %w", err)
			}
			store := identity.NewStore(stateDir)

			var id *identity.Identity
			if rotate {
				id, err = store.Rotate()
			} else {
				id, err = store.LoadOrCreate()
			}
			if err != nil {
				return err
			}

			fmt.Printf("device id:  %s\n", id.DeviceID)
			fmt.Printf("public key: %s\n", id.PublicKey)
			return nil
		},
	}
	cmd.Flags().Bool("rotate", false, "Generate a new keypair, replacing the current identity")
	return cmd
}
