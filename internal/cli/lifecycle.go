package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ferrelion/grimoire/pkg/plugin"
	"github.com/ferrelion/grimoire/pkg/service"
)

var installArchive string

var installCmd = &cobra.Command{
	Use:   "install [id]",
	Short: "Install a plugin from the marketplace or a local package",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <id>",
	Short: "Uninstall a plugin (a backup is kept for restore)",
	Args:  cobra.ExactArgs(1),
	RunE:  runUninstall,
}

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a plugin to the marketplace version",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpdate,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE:  runList,
}

var enableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnabled(cmd, args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an installed plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnabled(cmd, args[0], false)
	},
}

func init() {
	installCmd.Flags().StringVar(&installArchive, "archive", "", "install from a local .plugin-package archive")
	rootCmd.AddCommand(installCmd, uninstallCmd, updateCmd, listCmd, enableCmd, disableCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	if installArchive == "" && len(args) == 0 {
		return fmt.Errorf("provide a plugin id or --archive")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	var res service.Result
	if installArchive != "" {
		res = a.service.InstallArchive(cmd.Context(), installArchive)
	} else {
		res = a.service.Install(cmd.Context(), args[0])
	}
	if !res.Success {
		return renderError(res)
	}

	data := res.Data.(service.InstallData)
	fmt.Printf("Installed %s %s\n", data.ID, data.Version)
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.service.Uninstall(cmd.Context(), args[0])
	if !res.Success {
		return renderError(res)
	}

	data := res.Data.(service.UninstallData)
	fmt.Printf("Uninstalled %s\n", data.ID)
	if data.BackupPath != "" {
		fmt.Printf("Backup kept at %s\n", data.BackupPath)
	}
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.service.Update(cmd.Context(), args[0])
	if !res.Success {
		return renderError(res)
	}

	data := res.Data.(service.InstallData)
	fmt.Printf("Updated %s to %s\n", data.ID, data.Version)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.service.ListInstalled(cmd.Context())
	if !res.Success {
		return renderError(res)
	}

	manifests := res.Data.([]*plugin.Manifest)
	if len(manifests) == 0 {
		fmt.Println("No plugins installed.")
		return nil
	}
	for _, m := range manifests {
		fmt.Printf("%-24s %-10s %s\n", m.ID, m.Version, m.Description)
	}
	return nil
}

func runSetEnabled(cmd *cobra.Command, id string, enabled bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	res := a.service.SetEnabled(cmd.Context(), id, enabled)
	if !res.Success {
		return renderError(res)
	}

	if enabled {
		fmt.Printf("Enabled %s\n", id)
	} else {
		fmt.Printf("Disabled %s\n", id)
	}
	return nil
}
