// Package cli implements the ensemblectl control commands. Each command
// opens a short-lived controller connection to the coordinator, issues one
// control message, and reports the acknowledgment.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/ensemblesync/ensemble/internal/device"
)

var (
	serverURL string
	timeout   time.Duration
)

// rootCmd is the base command for ensemblectl.
var rootCmd = &cobra.Command{
	Use:   "ensemblectl",
	Short: "Control a running ensemble coordinator",
	Long: `ensemblectl issues performance commands (start, stop, tempo) to an
ensemble coordinator over its WebSocket control channel.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "ws://127.0.0.1:8080/ws", "coordinator WebSocket URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "command timeout")
}

// sendControl connects as a controller, issues one command, and waits for
// the ack.
func sendControl(action, scoreID string, bpm float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := device.Dial(ctx, device.Config{
		URL:  serverURL,
		Role: "controller",
	}, clockwork.NewRealClock())
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	ack, err := client.Control(ctx, action, scoreID, bpm)
	if err != nil {
		return fmt.Errorf("no acknowledgment for %s: %w", action, err)
	}
	if !ack.OK {
		return fmt.Errorf("%s rejected: %s", action, ack.Error)
	}
	fmt.Printf("%s acknowledged\n", action)

	cancel()
	<-runErr
	return nil
}
