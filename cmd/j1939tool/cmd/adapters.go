package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roffe/j1939"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list available adapters",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, a := range j1939.ListAdapters() {
			fmt.Println(a.String())
			fmt.Println("   ", a.Capabilities.String())
		}
	},
}

func init() {
	rootCmd.AddCommand(adaptersCmd)
}
