package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ferrelion/grimoire/pkg/market"
	"github.com/ferrelion/grimoire/pkg/service"
)

var searchCategory string

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search the plugin marketplace",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSearch,
}

var infoCmd = &cobra.Command{
	Use:   "info <plugin-id>",
	Short: "Show marketplace details for a plugin",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "filter by category")
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(infoCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	query := ""
	if len(args) > 0 {
		query = args[0]
	}

	res := a.service.Search(cmd.Context(), query, searchCategory)
	if !res.Success {
		return renderError(res)
	}

	data := res.Data.(service.SearchData)
	if data.Offline {
		fmt.Println("(offline: showing cached marketplace index)")
	}
	if len(data.Plugins) == 0 {
		fmt.Println("No plugins found.")
		return nil
	}

	for _, entry := range data.Plugins {
		badge := ""
		if entry.Badge != "" {
			badge = fmt.Sprintf(" [%s]", entry.Badge)
		}
		fmt.Printf("%-24s %-10s %s%s\n", entry.ID, entry.Version, entry.Description, badge)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.service.Info(cmd.Context(), args[0])
	if !res.Success {
		return renderError(res)
	}

	entry := res.Data.(market.Entry)
	fmt.Printf("ID:          %s\n", entry.ID)
	fmt.Printf("Name:        %s\n", entry.Name)
	fmt.Printf("Version:     %s\n", entry.Version)
	if entry.Description != "" {
		fmt.Printf("Description: %s\n", entry.Description)
	}
	if entry.Category != "" {
		fmt.Printf("Category:    %s\n", entry.Category)
	}
	if entry.Badge != "" {
		fmt.Printf("Badge:       %s\n", entry.Badge)
	}
	if entry.Publisher != "" {
		fmt.Printf("Publisher:   %s\n", entry.Publisher)
	}
	if len(entry.Permissions) > 0 {
		perms := make([]string, 0, len(entry.Permissions))
		for _, p := range entry.Permissions {
			perms = append(perms, string(p))
		}
		fmt.Printf("Permissions: %s\n", strings.Join(perms, ", "))
	}
	if len(entry.Dependencies) > 0 {
		fmt.Printf("Depends on:  %s\n", strings.Join(entry.Dependencies, ", "))
	}
	fmt.Printf("Checksum:    %s:%s\n", entry.Checksum.Algorithm, entry.Checksum.Digest)
	return nil
}
