package cmd

import (
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download [file_suuid] [output]",
	Short: "Download a package, artifact or result file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		out, err := fs.Create(args[1])
		if err != nil {
			cmd.Printf("Failed to create %s: %v\n", args[1], err)
			return
		}
		n, err := newClient().Download(args[0], out)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = fs.Remove(args[1])
			cmd.Printf("Download failed: %v\n", err)
			return
		}
		cmd.Printf("Saved %d bytes to %s\n", n, args[1])
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}
