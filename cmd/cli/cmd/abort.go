package cmd

import (
	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort [run_suuid]",
	Short: "Stop a queued or running run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !requireToken(cmd) {
			return
		}

		run, err := newClient().AbortRun(args[0])
		if err != nil {
			cmd.Printf("Error aborting run: %s\n", err)
			return
		}
		cmd.Printf("Run %s is being aborted (status: %s)\n", run.SUUID, run.Status)
	},
}

func init() {
	rootCmd.AddCommand(abortCmd)
}
