package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ingestsink",
		Short: "Persist crawled records into a document store.",
		Long: `ingestsink reads crawled records, routes them to per-type collections,
buffers and de-duplicates them, and writes them to MongoDB, Postgres or memory.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.AddCommand(newRunCmd(opts))
	return cmd
}
