package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"djp.chapter42.de/renderq/internal/queue"
	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the statistics of a running renderq server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return fetchStats(ctx, cmd.OutOrStdout(), server)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:4224", "Address of the renderq server")
	return cmd
}

func fetchStats(ctx context.Context, out io.Writer, server string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(server, "/")+"/queue/stats", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("server nicht erreichbar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("stats request failed %s, Body: %s", resp.Status, body)
	}

	var s queue.Statistics
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return fmt.Errorf("invalid stats response: %w", err)
	}

	state := "stopped"
	switch {
	case s.IsPaused:
		state = "paused"
	case s.IsRunning:
		state = "running"
	}
	fmt.Fprintf(out, "Queue:       %s (concurrency %d)\n", state, s.Concurrency)
	fmt.Fprintf(out, "Total:       %d\n", s.Total)
	fmt.Fprintf(out, "Pending:     %d\n", s.Pending)
	fmt.Fprintf(out, "Running:     %d\n", s.Running)
	fmt.Fprintf(out, "Completed:   %d\n", s.Completed)
	fmt.Fprintf(out, "Failed:      %d\n", s.Failed)
	fmt.Fprintf(out, "Cancelled:   %d\n", s.Cancelled)
	return nil
}
