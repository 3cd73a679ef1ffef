package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/animus-labs/esmda-go/internal/ensemble/weights"
)

func newWeightsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "weights <list-or-file>",
		Short: "Print the normalized weights and iteration count for a weight list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := weights.ParseWithLogger(opts.logger(), args[0])
			if err != nil {
				return err
			}
			normalized := weights.Normalize(raw)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "iterations: %d\n", weights.IterationCount(normalized))
			fmt.Fprintf(out, "simulations: %d\n", weights.IterationCount(normalized)+1)
			fmt.Fprintf(out, "weights: %s\n", weights.Format(normalized))
			return nil
		},
	}
}
