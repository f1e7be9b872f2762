package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferrelion/grimoire/internal/config"
	"github.com/ferrelion/grimoire/pkg/loader"
	"github.com/ferrelion/grimoire/pkg/plugin"
	"github.com/ferrelion/grimoire/pkg/sandbox"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Load all plugins and show the registry by category",
	RunE:  runPlugins,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
}

func runPlugins(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	detector, err := plugin.NewCompatDetector(config.HostVersion, a.cfg.Capabilities, a.log.Logger)
	if err != nil {
		return err
	}

	roots := append([]string{a.cfg.PluginDir}, a.cfg.ExtraPluginDirs...)
	scanner := plugin.NewScanner(roots, a.log.Logger)
	registry := plugin.NewRegistry(plugin.DefaultCategoryOrder)

	l := loader.New(registry, scanner, a.store, detector, sandbox.NewOSServices(), a.log.Logger)
	defer l.Close(cmd.Context())

	result := l.LoadAll(cmd.Context())
	for id, loadErr := range result.Errors {
		fmt.Printf("warning: %s: %v\n", id, loadErr)
	}

	categories, grouped := registry.ListByCategory()
	if len(categories) == 0 {
		fmt.Println("No plugins loaded.")
		return nil
	}

	for _, cat := range categories {
		name := cat
		if name == "" {
			name = "(uncategorized)"
		}
		fmt.Printf("%s:\n", name)
		for _, entry := range grouped[cat] {
			status := string(entry.State)
			if entry.State == plugin.StateDisabled && entry.DisabledReason != "" {
				status = fmt.Sprintf("disabled: %s", entry.DisabledReason)
			}
			badge := ""
			if entry.Metadata.Badge != "" {
				badge = fmt.Sprintf(" [%s]", entry.Metadata.Badge)
			}
			fmt.Printf("  %-24s %s%s (%s)\n", entry.Metadata.ID, entry.Metadata.Name, badge, status)
		}
	}
	return nil
}
