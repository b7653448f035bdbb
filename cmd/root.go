package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Norgate-AV/compilerd/internal/version"
)

var rootCmd = &cobra.Command{
	Use:          "compilerd",
	Short:        "Compilation request orchestrator",
	Long:         `Serves compilation requests from cache, on local toolchains under a concurrency limit, or on remote workers.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("%s (%s) %s", version.Version, version.Commit, version.BuildTime)
}

func init() {
	rootCmd.Version = versionString()
	rootCmd.PersistentFlags().String("config", "", "Config file (default: nearest compilerd.yaml walking up from the working directory)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "compilerd "+versionString())
	},
}
