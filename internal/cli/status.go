package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the coordinator's session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, err := sessionEndpoint(serverURL)
		if err != nil {
			return err
		}
		resp, err := http.Get(endpoint)
		if err != nil {
			return fmt.Errorf("failed to query coordinator: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(string(body)))
		return nil
	},
}

// sessionEndpoint derives the HTTP state URL from the WebSocket URL.
func sessionEndpoint(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/api/session"
	return u.String(), nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
