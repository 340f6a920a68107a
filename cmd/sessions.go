package cmd

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fingerhq/finger/internal/session"
)

var (
	sessionsProject string
	sessionsJSON    bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions held by the daemon",
	Long: `List the sessions a running daemon knows about, newest first.

Examples:
  finger sessions
  finger sessions --project /path/to/repo
  finger sessions --json`,
	RunE: runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringVar(&sessionsProject, "project", "", "filter by project path")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print the raw response as JSON")
}

func runSessions(_ *cobra.Command, _ []string) error {
	path := "/api/v1/sessions"
	if sessionsProject != "" {
		path += "?projectPath=" + url.QueryEscape(sessionsProject)
	}

	var resp struct {
		Sessions []*session.Session `json:"sessions"`
		Total    int                `json:"total"`
	}
	if err := daemonGet(path, &resp); err != nil {
		return err
	}
	if sessionsJSON {
		return printJSON(resp)
	}
	if resp.Total == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROJECT\tMESSAGES\tWORKFLOWS\tUPDATED")
	for _, s := range resp.Sessions {
		name := s.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, name, s.ProjectPath, len(s.Messages), len(s.ActiveWorkflows),
			time.UnixMilli(s.UpdatedAt).Format(time.RFC3339))
	}
	return w.Flush()
}
