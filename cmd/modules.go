package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/fingerhq/finger/internal/registry"
)

var (
	modulesKind   string
	modulesType   string
	modulesStatus string
	modulesJSON   bool
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List modules registered with the daemon",
	Long: `List the modules a running daemon has registered, with optional
kind/type/status filters.

Examples:
  finger modules
  finger modules --kind gateway
  finger modules --status active --json`,
	RunE: runModules,
}

func init() {
	rootCmd.AddCommand(modulesCmd)

	modulesCmd.Flags().StringVar(&modulesKind, "kind", "", "filter by implementation kind")
	modulesCmd.Flags().StringVar(&modulesType, "type", "", "filter by entry type (input|output)")
	modulesCmd.Flags().StringVar(&modulesStatus, "status", "", "filter by status (active|paused|error)")
	modulesCmd.Flags().BoolVar(&modulesJSON, "json", false, "print the raw response as JSON")
}

func runModules(_ *cobra.Command, _ []string) error {
	q := url.Values{}
	if modulesKind != "" {
		q.Set("kind", modulesKind)
	}
	if modulesType != "" {
		q.Set("type", modulesType)
	}
	if modulesStatus != "" {
		q.Set("status", modulesStatus)
	}
	path := "/api/v1/modules"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Modules []*registry.Entry `json:"modules"`
		Total   int               `json:"total"`
	}
	if err := daemonGet(path, &resp); err != nil {
		return err
	}
	if modulesJSON {
		return printJSON(resp)
	}
	if resp.Total == 0 {
		fmt.Println("No modules registered")
		return nil
	}
	return printModuleTable(resp.Modules)
}
