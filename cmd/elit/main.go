package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┌─┐┬  ┬┌┬┐
  ├┤ │  │ │
  └─┘┴─┘┴ ┴
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "elit",
		Short: "Real-time state sync and live reload for web projects",
		Long: `Elit runs a development server that keeps browsers and tools in
sync over a single WebSocket connection.

Features:

  • Keyed state synchronized across every connected client
  • Live reload and in-place stylesheet updates on file change
  • Prometheus metrics and health endpoints`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// printBanner prints the elit ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
