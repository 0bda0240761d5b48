// Command resolvd is a caching DNS resolver. It answers queries either by
// iterating from the root servers or by forwarding to configured upstreams,
// and also provides a one-shot query mode for debugging.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "resolvd",
	Short:         "caching DNS resolver",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, queryCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
