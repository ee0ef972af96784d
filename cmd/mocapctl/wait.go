package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httputil "github.com/capturelab/mocap-server/pkg/infrastructure/http"
)

var (
	apiURL       string
	pollInterval time.Duration
	waitTimeout  time.Duration
)

var waitCmd = &cobra.Command{
	Use:   "wait <task_id>",
	Short: "Poll the API until an export is ready and print its URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), waitTimeout)
		defer cancel()

		url, err := waitReady(ctx, http.DefaultClient, apiURL, args[0], pollInterval)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

type readyBody struct {
	URL   string `json:"url"`
	State string `json:"state"`
	Error string `json:"error"`
}

// waitReady polls the on-ready endpoint of taskID until it answers 200.
func waitReady(ctx context.Context, client *http.Client, base, taskID string, every time.Duration) (string, error) {
	endpoint := strings.TrimRight(base, "/") + "/logs/" + taskID + "/on-ready"
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		if err := httputil.ParseErrorResponse(resp); err != nil {
			return "", err
		}

		if resp.StatusCode == http.StatusOK {
			var body readyBody
			err := json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if err != nil {
				return "", fmt.Errorf("decode on-ready response: %w", err)
			}
			if body.State == "FAILED" {
				return "", fmt.Errorf("export %s failed: %s", taskID, body.Error)
			}
			return body.URL, nil
		}
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("export %s not ready: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func init() {
	waitCmd.Flags().StringVar(&apiURL, "api", "http://localhost:8080", "API base URL")
	waitCmd.Flags().DurationVar(&pollInterval, "interval", 2*time.Second, "poll interval")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Minute, "give up after this long")
}
