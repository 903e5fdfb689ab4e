package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new PeerId and signing key, saved to a key file",
	RunE:  runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "meshd.key", "Path to write the key file")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	kr, err := newKeyring()
	if err != nil {
		return fmt.Errorf("generate keyring: %w", err)
	}
	if err := writeKeyFile(keygenOut, kr); err != nil {
		return err
	}
	fmt.Printf("wrote %s\npeer_id: %s\nfingerprint: %s\n", keygenOut, kr.OwnID(), kr.OwnFingerprint())
	return nil
}
