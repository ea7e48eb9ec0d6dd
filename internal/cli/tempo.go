package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ensemblesync/ensemble/internal/protocol"
)

var tempoCmd = &cobra.Command{
	Use:   "tempo <bpm>",
	Short: "Change the tempo of the current performance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bpm, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid bpm %q: %w", args[0], err)
		}
		return sendControl(protocol.ActionTempo, "", bpm)
	},
}

func init() {
	rootCmd.AddCommand(tempoCmd)
}
