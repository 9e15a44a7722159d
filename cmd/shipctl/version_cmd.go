package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Output the version of shipctl",
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return errorWantedNoArgs
			}
			fmt.Println(version)
			return nil
		},
	}
}
