package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"askanna/pkg/api"
)

// maxErrorWidth bounds the error column of the dlq table.
const maxErrorWidth = 50

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the Dead Letter Queue (DLQ)",
	Long: `Inspect and retry tasks that failed more often than the retry ceiling allows.
Requires the controller's internal secret (--internal-secret or ASKANNA_INTERNAL_SECRET).`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead tasks",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		task, _ := cmd.Flags().GetString("task")
		queue, _ := cmd.Flags().GetString("queue")

		tasks, err := newClient().ListDLQTasks(limit, offset)
		if err != nil {
			cmd.Printf("Error fetching DLQ: %s\n", err)
			os.Exit(1)
		}

		// Filters apply to the fetched page only.
		shown := tasks[:0]
		for _, t := range tasks {
			if (task == "" || t.Name == task) && (queue == "" || t.Queue == queue) {
				shown = append(shown, t)
			}
		}

		if len(shown) == 0 {
			switch {
			case len(tasks) > 0:
				cmd.Println("No matching tasks on this page of the DLQ.")
			case offset > 0:
				cmd.Println("No more tasks found in DLQ.")
			default:
				cmd.Println("No tasks found in DLQ.")
			}
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTASK\tQUEUE\tRUN\tATTEMPTS\tFAILED AT\tERROR")
		for _, t := range shown {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
				t.ID,
				t.Name,
				t.Queue,
				dlqRun(t),
				t.Attempts,
				t.FailedAt.Format(time.RFC3339),
				truncate(t.ErrorMessage, maxErrorWidth),
			)
		}
		w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [dlq_id]",
	Short: "Requeue a dead task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]

		resp, err := newClient().RetryDLQTask(id)
		if err != nil {
			cmd.Printf("Error retrying task: %s\n", err)
			os.Exit(1)
		}

		cmd.Printf("✅ Task %s requeued.\n", id)
		cmd.Printf("   New Task ID: %d\n", resp.TaskID)
	},
}

// dlqRun returns the run a dead task was about, or "-".
func dlqRun(t api.DLQTaskResponse) string {
	var kw struct {
		RunSUUID string `json:"run_suuid"`
	}
	if json.Unmarshal(t.Kwargs, &kw) != nil || kw.RunSUUID == "" {
		return "-"
	}
	return kw.RunSUUID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)

	dlqListCmd.Flags().IntP("limit", "l", 20, "Number of tasks to list")
	dlqListCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
	dlqListCmd.Flags().String("task", "", "Only show tasks with this name (e.g. start_run)")
	dlqListCmd.Flags().String("queue", "", "Only show tasks of this queue")
}
