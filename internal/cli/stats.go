package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	httpadapter "github.com/Wyydra/callroom/internal/adapter/driving/http"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var flagStatsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show rooms and media counts of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := fetchMetrics(cmd.Context(), http.DefaultClient, flagServer)
		if err != nil {
			return err
		}
		return writeStats(os.Stdout, m, flagStatsJSON)
	},
}

func init() {
	statsCmd.Flags().BoolVar(&flagStatsJSON, "json", false, "Print the raw metrics document")
	rootCmd.AddCommand(statsCmd)
}

func fetchMetrics(ctx context.Context, hc *http.Client, base string) (httpadapter.MetricsResponse, error) {
	var m httpadapter.MetricsResponse

	u, err := endpoint(base, "/metrics", false)
	if err != nil {
		return m, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return m, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return m, fmt.Errorf("fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return m, fmt.Errorf("fetch metrics: %s: %s", resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return m, fmt.Errorf("decode metrics: %w", err)
	}
	return m, nil
}

func writeStats(w io.Writer, m httpadapter.MetricsResponse, raw bool) error {
	if raw {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}

	rooms := newTable("Rooms")
	rooms.AppendHeader(table.Row{"Room", "Peers", "Producers", "Consumers"})
	for _, r := range m.Rooms {
		rooms.AppendRow(table.Row{r.ID, r.Peers, r.Producers, r.Consumers})
	}
	rooms.AppendFooter(table.Row{"Total", m.Peers, m.Producers, m.Consumers})

	status := "serving"
	if m.Draining {
		status = "draining"
	}
	summary := newTable("Server")
	summary.AppendRows([]table.Row{
		{"Status", status},
		{"Connections", m.Connections},
		{"Rooms", len(m.Rooms)},
	})
	if m.Engine != nil {
		engine, err := json.Marshal(m.Engine)
		if err != nil {
			return err
		}
		summary.AppendRow(table.Row{"Engine", string(engine)})
	}

	_, err := fmt.Fprintf(w, "%s\n%s\n", summary.Render(), rooms.Render())
	return err
}
