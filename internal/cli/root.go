package cli

import (
	"github.com/spf13/cobra"

	"github.com/ferrelion/grimoire/internal/config"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "grimoire",
	Short: "Grimoire - plugin marketplace and sandboxed plugin runtime",
	Long: `Grimoire manages the lifecycle and trust boundary of pluggable
extension modules: it discovers, verifies, installs and sandboxes plugins
from the marketplace or local package archives.`,
	Version: config.HostVersion,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.grimoire/grimoire.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}
