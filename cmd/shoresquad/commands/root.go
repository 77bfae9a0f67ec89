// Package commands implements the shoresquad CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "shoresquad",
	Short: "ShoreSquad offline worker",
	Long: `shoresquad sits between the ShoreSquad pages and their origin. It serves
the application shell from a versioned cache, keeps API responses fresh while
online, queues cleanup submissions made offline and delivers them once
connectivity returns.

Running it without a subcommand is the same as "shoresquad serve".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SHORESQUAD_CONFIG", "/shoresquad.yaml"), "path to shoresquad.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "shoresquad %s (commit: %s)\n", Version, Commit)
	},
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
