package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"comic-rpc/portalloc"
)

func newPortCommand() *cobra.Command {
	var (
		host       string
		start, end int
	)
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Print the first free TCP port in a range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := portalloc.Allocator{Host: host}.FindAvailablePort(cmd.Context(), start, end)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), port)
			return err
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Interface to probe; empty probes all")
	cmd.Flags().IntVar(&start, "start", portalloc.DefaultStart, "First port to try")
	cmd.Flags().IntVar(&end, "end", portalloc.DefaultEnd, "Last port to try")
	return cmd
}
