package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fingerhq/finger/internal/registry"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and module summary",
	Long: `Query a running daemon's /health endpoint and list its registered
modules. The daemon address comes from FINGER_HUB_URL (default
http://localhost:5521).`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw /health body as JSON")
}

// healthBody mirrors the daemon's /health response.
type healthBody struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	UptimeMs int64          `json:"uptimeMs"`
	Modules  map[string]int `json:"modules"`
	QueueLen int            `json:"queueLen"`
	Epics    []string       `json:"epics"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	var health healthBody
	if err := daemonGet("/health", &health); err != nil {
		return err
	}
	if statusJSON {
		return printJSON(health)
	}

	fmt.Printf("Daemon:   %s (version %s)\n", health.Status, health.Version)
	fmt.Printf("Uptime:   %s\n", (time.Duration(health.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Queue:    %d parked message(s)\n", health.QueueLen)
	if len(health.Epics) > 0 {
		fmt.Printf("Epics:    %v\n", health.Epics)
	}

	var modules struct {
		Modules []*registry.Entry `json:"modules"`
		Total   int               `json:"total"`
	}
	if err := daemonGet("/api/v1/modules", &modules); err != nil {
		return err
	}
	fmt.Printf("Modules:  %d registered\n", modules.Total)
	if modules.Total == 0 {
		return nil
	}

	fmt.Println()
	return printModuleTable(modules.Modules)
}

// printModuleTable renders registry entries as an aligned table.
func printModuleTable(entries []*registry.Entry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tKIND\tSTATUS\tLAST HEARTBEAT")
	for _, e := range entries {
		hb := "-"
		if e.LastHeartbeat > 0 {
			hb = time.UnixMilli(e.LastHeartbeat).Format(time.RFC3339)
		}
		kind := e.Kind
		if kind == "" {
			kind = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Type, kind, e.Status, hb)
	}
	return w.Flush()
}
