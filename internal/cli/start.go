package cli

import (
	"github.com/spf13/cobra"

	"github.com/ensemblesync/ensemble/internal/protocol"
)

var (
	startScoreID string
	startBPM     float64
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a performance",
	Long: `Start a performance. With no --score the coordinator falls back to
its default score; with no --bpm the score's authored tempo is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(protocol.ActionStart, startScoreID, startBPM)
	},
}

func init() {
	startCmd.Flags().StringVar(&startScoreID, "score", "", "score ID to perform")
	startCmd.Flags().Float64Var(&startBPM, "bpm", 0, "starting tempo (0 = score default)")
	rootCmd.AddCommand(startCmd)
}
