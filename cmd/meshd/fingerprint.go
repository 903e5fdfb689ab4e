package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var fingerprintKeyPath string

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print the PeerId and Fingerprint for a key file",
	RunE:  runFingerprint,
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
	fingerprintCmd.Flags().StringVarP(&fingerprintKeyPath, "key", "k", "meshd.key", "Path to the key file")
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	kr, err := readKeyFile(fingerprintKeyPath)
	if err != nil {
		return err
	}
	fmt.Printf("peer_id: %s\nfingerprint: %s\n", kr.OwnID(), kr.OwnFingerprint())
	return nil
}
