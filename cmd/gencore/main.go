package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor   bool
	logOutput io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:           "gencore",
	Short:         "Route text generation across local, remote and Nostr DVM providers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		table := uitable.New()
		table.RightAlign(0)
		table.Separator = " "
		table.AddRow("version:", version)
		table.AddRow("goVersion:", runtime.Version())
		table.AddRow("platform:", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
		fmt.Fprintln(cmd.OutOrStdout(), table)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(askCmd, providersCmd, keygenCmd, eventsCmd, configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
