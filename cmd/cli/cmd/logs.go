package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const logPageSize = 500

var (
	follow       bool
	pollInterval = time.Second
)

var logsCmd = &cobra.Command{
	Use:     "log [run_suuid]",
	Aliases: []string{"logs"},
	Short:   "Print the log of a run",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSUUID := args[0]

		// Trap Ctrl+C to exit gracefully
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		go func() {
			if _, ok := <-sigChan; ok {
				os.Exit(0)
			}
		}()

		client := newClient()
		offset := 0

		for {
			page, err := client.GetLogs(runSUUID, offset, logPageSize)
			if err != nil {
				cmd.Printf("Error fetching logs: %v\n", err)
				if !follow {
					break
				}
				time.Sleep(2 * pollInterval) // Retry backoff
				continue
			}

			for _, entry := range page.Results {
				cmd.Println(entry.Message)
			}
			offset += len(page.Results)

			// More pages are waiting
			if offset < page.Count && len(page.Results) > 0 {
				continue
			}
			if !follow || page.Final {
				break
			}

			// If following, wait before polling again
			time.Sleep(pollInterval)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output until the run finishes")
}
