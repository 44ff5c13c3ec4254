package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corvid-labs/airlink/internal/identity"
)

var (
	flagKeygenOut string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generate this host's persisted device identity and signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		devicePath := flagKeygenOut + "/device.json"
		hostKeyPath := flagKeygenOut + "/hostkey.json"

		deviceID, err := identity.LoadOrCreate(devicePath)
		if err != nil {
			return fmt.Errorf("keygen: device identity: %w", err)
		}
		key, err := identity.LoadOrCreateSigningKey(hostKeyPath)
		if err != nil {
			return fmt.Errorf("keygen: signing key: %w", err)
		}

		fmt.Printf("device id:  %s\n", deviceID)
		fmt.Printf("public key: %x\n", []byte(key.Public))
		fmt.Printf("written to: %s, %s\n", devicePath, hostKeyPath)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&flagKeygenOut, "out", ".", "directory to write device.json and hostkey.json into")
}
