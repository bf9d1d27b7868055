package cmd

import (
	"fmt"
	"time"

	"askanna/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_suuid]",
	Short: "Get status of a run",
	Long:  `Retrieve detailed status information for a run, including its current state (queued, running, finished, failed), exit code, and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run, err := newClient().GetRun(args[0])
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed with status code: %d\n", apiErr.StatusCode)
			} else {
				cmd.Printf("Failed to send request: %v\n", err)
			}
			return
		}

		printStatus(cmd, *run)
	},
}

func printStatus(cmd *cobra.Command, run api.RunResponse) {
	// Header with status icon
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sRun Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sSUUID:%s       %s\n", colorDim, colorReset, run.SUUID)
	if run.Name != "" {
		cmd.Printf("%sName:%s        %s\n", colorDim, colorReset, run.Name)
	}
	job := run.Job.SUUID
	if run.Job.Name != "" {
		job = fmt.Sprintf("%s (%s)", run.Job.Name, run.Job.SUUID)
	}
	cmd.Printf("%sJob:%s         %s\n", colorDim, colorReset, job)

	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))
	cmd.Printf("%sTrigger:%s     %s\n", colorDim, colorReset, run.Trigger)

	// Exit Code
	if run.ExitCode != nil {
		exitCode := *run.ExitCode
		if exitCode == 0 {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorGreen, exitCode, colorReset)
		} else {
			cmd.Printf("%sExit Code:%s   %s%d%s\n", colorDim, colorReset, colorRed, exitCode, colorReset)
		}
	} else {
		cmd.Printf("%sExit Code:%s   -\n", colorDim, colorReset)
	}

	// Timestamps with relative time
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))

	switch {
	case run.Duration != nil && run.FinishedAt != nil:
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.FinishedAt),
			colorCyan, formatDuration(time.Duration(*run.Duration)*time.Second), colorReset)
	default:
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.FinishedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case api.StatusFinished:
		return colorGreen + "✓" + colorReset
	case api.StatusFailed:
		return colorRed + "✗" + colorReset
	case api.StatusRunning:
		return colorYellow + "⏳" + colorReset
	case api.StatusQueued, api.StatusPaused:
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case api.StatusFinished:
		return icon + " " + colorGreen + status + colorReset
	case api.StatusFailed:
		return icon + " " + colorRed + status + colorReset
	case api.StatusRunning:
		return icon + " " + colorYellow + status + colorReset
	case api.StatusQueued, api.StatusPaused:
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
