package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lectio-dev/lectio"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  requireNoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "lectio %s\n", lectio.Version)
			return nil
		},
	}
}
