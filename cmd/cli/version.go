package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atgraph/muncher/pkg/build"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the muncher version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(build.Version)
	},
}
