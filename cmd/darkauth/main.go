// Command darkauth runs the identity provider's HTTP surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	return &cobra.Command{
		Use:   "darkauth",
		Short: "darkauth is a self-hosted OIDC identity provider",
	}
}

func main() {
	root := commandRoot()
	root.AddCommand(commandServe())
	root.AddCommand(commandVersion())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
