package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "worksnotify",
		Short:         "Relay portal change events to NAVER WORKS bot messages",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config file (json or yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(sendTestCmd())
	root.AddCommand(secretCmd())
	root.AddCommand(historyCmd())
	return root
}
