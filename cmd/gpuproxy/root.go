package main

import (
	"github.com/spf13/cobra"
)

// version is set at link time.
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gpuproxy",
		Short: "Replay GPU runtime call traces through a simulated command proxy.",
		Long: `gpuproxy simulates a CPU that issues GPU runtime calls by writing ` +
			`call packets to a memory-mapped command register. A proxy ` +
			`forwards the calls to a functional GPU model, moves memcpy data ` +
			`with its DMA engine, and writes the results back to CPU memory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCommand(),
		newCallsCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("gpuproxy", version)
		},
	}
}
