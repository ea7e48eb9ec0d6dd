package cli

import (
	"github.com/spf13/cobra"

	"github.com/ensemblesync/ensemble/internal/protocol"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current performance",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(protocol.ActionStop, "", 0)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
