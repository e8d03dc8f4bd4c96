package main

import (
	"fmt"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/spf13/cobra"
)

func newCallsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "calls",
		Short: "List the runtime calls the proxy understands.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()

			fmt.Fprintf(w, "%-4s %-18s %s\n", "ID", "CALL", "BLOCKING")
			for _, k := range callpacket.AllKinds() {
				fmt.Fprintf(w, "%-4d %-18s %v\n", uint32(k), k, k.Blocking())
			}
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the default configuration as YAML.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := defaultConfig().Marshal()
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(data)

			return err
		},
	}
}
