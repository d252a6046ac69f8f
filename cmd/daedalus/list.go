package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Daedalus/pkg/modules/all"
)

// NewListCmd creates the list command.
func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available module types",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := all.NewRegistry()
			for _, name := range registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
