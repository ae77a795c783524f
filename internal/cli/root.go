package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/wagate/wagate/internal/cli.version=1.2.3"
	version = "1.0.0"
	logo    = "\n" +
		" __        __     ____       _\n" +
		" \\ \\      / /__ _/ ___| __ _| |_ ___\n" +
		"  \\ \\ /\\ / / _` | |  _ / _` | __/ _ \\\n" +
		"   \\ V  V / (_| | |_| | (_| | ||  __/\n" +
		"    \\_/\\_/ \\__,_|\\____|\\__,_|\\__\\___|\n"
)

var rootCmd = &cobra.Command{
	Use:   "wagate",
	Short: "WaGate - WhatsApp messaging gateway",
	Long:  color.CyanString(logo) + "\nA single-session WhatsApp gateway with an HTTP control surface.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
}
