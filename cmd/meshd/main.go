// Command meshd runs the mesh daemon: a long-lived process owning one
// internal/mesh.Core, its control API, and its metrics endpoint. It
// plays the role the teacher's wireguard-go binary plays for a single
// tunnel interface, generalized to the mesh's discover-connect-relay
// model.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshd",
	Short: "BLE mesh messaging daemon",
	Long: `meshd runs the decentralized mesh messaging core: neighbor
discovery, secure sessions, multi-hop relay, and the local
control API a UI process talks to.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshd: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
